package anomaly

import "watchtower/pkg/models"

// Per-signal addenda appended to the risk-band actions.
var typeActions = map[models.AnomalyType][]models.ResponseAction{
	models.AnomalyGeographic:    {models.ActionRequireMFA},
	models.AnomalyBehavioral:    {models.ActionTerminateSession},
	models.AnomalyAccessPattern: {models.ActionLogEnhanced},
	models.AnomalyVolume:        {models.ActionRateLimitUser},
	models.AnomalyTemporal:      {models.ActionRequireReauth},
}

// recommendActions maps overall risk to a static action band, then appends
// per-signal addenda for every signal that fired.
func recommendActions(overall float64, scores []models.AnomalyScore) []models.ResponseAction {
	var out []models.ResponseAction
	switch {
	case overall >= 0.9:
		out = append(out, models.ActionLockAccount, models.ActionRequireMFA, models.ActionAlertAdmin)
	case overall >= 0.7:
		out = append(out, models.ActionRequireReauth, models.ActionMonitorClosely)
	default:
		out = append(out, models.ActionMonitorClosely)
	}

	for _, sc := range scores {
		out = append(out, typeActions[sc.Type]...)
	}
	return dedupeActions(out)
}

func dedupeActions(actions []models.ResponseAction) []models.ResponseAction {
	seen := make(map[models.ResponseAction]struct{}, len(actions))
	out := make([]models.ResponseAction, 0, len(actions))
	for _, a := range actions {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
