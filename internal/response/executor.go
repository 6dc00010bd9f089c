package response

import (
	"context"
	"fmt"
	"sync"
	"time"

	"watchtower/internal/logger"
	"watchtower/internal/metrics"
	"watchtower/internal/secerrors"
	"watchtower/internal/store"
	"watchtower/pkg/models"
)

// Directory is the account/session collaborator the executor delegates
// enforcement to. Lock and unlock cover account deactivation; terminate
// covers live sessions.
type Directory interface {
	LockAccount(ctx context.Context, userID string) error
	UnlockAccount(ctx context.Context, userID string) error
	TerminateSessions(ctx context.Context, userID string) error
}

// NopDirectory is a directory that accepts every command. It stands in when
// no account system is wired, leaving containment state the only effect.
type NopDirectory struct{}

func (NopDirectory) LockAccount(context.Context, string) error       { return nil }
func (NopDirectory) UnlockAccount(context.Context, string) error     { return nil }
func (NopDirectory) TerminateSessions(context.Context, string) error { return nil }

// Notifier raises an admin-facing alert. Satisfied by the alert manager.
type Notifier interface {
	Generate(ctx context.Context, alertType models.AlertType, severity models.Severity, title, description string, entities map[string]string, correlationID string) *models.Alert
}

// Config controls response execution.
type Config struct {
	// RateLimitTTL is how long RATE_LIMIT_USER holds. Default one hour.
	RateLimitTTL time.Duration
}

// Executor runs containment actions against the containment state and
// collaborators, and manages incident status transitions. Every action is
// idempotent; each is attempted independently so one failure never aborts
// the rest.
type Executor struct {
	state     *ContainmentState
	incidents store.IncidentStore
	directory Directory
	notifier  Notifier
	cfg       Config

	mu    sync.Mutex
	audit []string

	now func() time.Time
}

// NewExecutor creates a response executor.
func NewExecutor(state *ContainmentState, incidents store.IncidentStore, directory Directory, notifier Notifier, cfg Config) *Executor {
	if cfg.RateLimitTTL <= 0 {
		cfg.RateLimitTTL = time.Hour
	}
	if directory == nil {
		directory = NopDirectory{}
	}
	return &Executor{
		state:     state,
		incidents: incidents,
		directory: directory,
		notifier:  notifier,
		cfg:       cfg,
		now:       time.Now,
	}
}

// State exposes the containment state for collaborators needing
// "is X blocked?" queries.
func (x *Executor) State() *ContainmentState {
	return x.state
}

// Execute attempts every action for the incident and returns one result per
// action. Redundant actions succeed without duplicate side effects or audit
// entries.
func (x *Executor) Execute(ctx context.Context, incident *models.Incident, actions []models.ResponseAction, executedBy string) []models.ActionResult {
	results := make([]models.ActionResult, 0, len(actions))
	for _, action := range actions {
		res := x.executeOne(ctx, incident, action)
		res.ExecutedAt = x.now().UTC()
		res.ExecutedBy = executedBy
		outcome := "success"
		if !res.Success {
			outcome = "failure"
			logger.Warnf("incident %s action %s failed: %s", incident.ID, action, res.Error)
		}
		metrics.ActionsExecuted.WithLabelValues(string(action), outcome).Inc()
		results = append(results, res)
	}
	return results
}

func (x *Executor) executeOne(ctx context.Context, incident *models.Incident, action models.ResponseAction) models.ActionResult {
	res := models.ActionResult{Action: action}
	fail := func(err error) models.ActionResult {
		res.Success = false
		res.Error = (&secerrors.ActionError{Action: string(action), Err: err}).Error()
		return res
	}
	ok := func(detail string) models.ActionResult {
		res.Success = true
		res.Detail = detail
		return res
	}

	switch action {
	case models.ActionBlockIP:
		if incident.AffectedIP == "" {
			return fail(fmt.Errorf("incident has no affected IP"))
		}
		if x.state.BlockIP(ctx, incident.AffectedIP) {
			x.recordAudit("blocked ip %s for incident %s", incident.AffectedIP, incident.ID)
			return ok("blocked")
		}
		return ok("already_blocked")

	case models.ActionUnblockIP:
		if incident.AffectedIP == "" {
			return fail(fmt.Errorf("incident has no affected IP"))
		}
		if x.state.UnblockIP(ctx, incident.AffectedIP) {
			x.recordAudit("unblocked ip %s for incident %s", incident.AffectedIP, incident.ID)
			return ok("unblocked")
		}
		return ok("not_blocked")

	case models.ActionLockAccount:
		if incident.AffectedUserID == "" {
			return fail(fmt.Errorf("incident has no affected user"))
		}
		if !x.state.LockAccount(ctx, incident.AffectedUserID) {
			return ok("already_locked")
		}
		if err := x.directory.LockAccount(ctx, incident.AffectedUserID); err != nil {
			return fail(err)
		}
		if err := x.directory.TerminateSessions(ctx, incident.AffectedUserID); err != nil {
			return fail(err)
		}
		x.recordAudit("locked account %s for incident %s", incident.AffectedUserID, incident.ID)
		return ok("locked")

	case models.ActionUnlockAccount:
		if incident.AffectedUserID == "" {
			return fail(fmt.Errorf("incident has no affected user"))
		}
		if !x.state.UnlockAccount(ctx, incident.AffectedUserID) {
			return ok("not_locked")
		}
		if err := x.directory.UnlockAccount(ctx, incident.AffectedUserID); err != nil {
			return fail(err)
		}
		x.recordAudit("unlocked account %s for incident %s", incident.AffectedUserID, incident.ID)
		return ok("unlocked")

	case models.ActionTerminateSession:
		if incident.AffectedUserID == "" {
			return fail(fmt.Errorf("incident has no affected user"))
		}
		if err := x.directory.TerminateSessions(ctx, incident.AffectedUserID); err != nil {
			return fail(err)
		}
		x.recordAudit("terminated sessions for %s, incident %s", incident.AffectedUserID, incident.ID)
		return ok("terminated")

	case models.ActionQuarantineUser:
		if incident.AffectedUserID == "" {
			return fail(fmt.Errorf("incident has no affected user"))
		}
		if x.state.Quarantine(ctx, incident.AffectedUserID) {
			x.recordAudit("quarantined user %s for incident %s", incident.AffectedUserID, incident.ID)
			return ok("quarantined")
		}
		return ok("already_quarantined")

	case models.ActionRateLimitUser:
		if incident.AffectedUserID == "" {
			return fail(fmt.Errorf("incident has no affected user"))
		}
		until := x.now().Add(x.cfg.RateLimitTTL)
		if x.state.RateLimit(incident.AffectedUserID, until) {
			x.recordAudit("rate limited user %s until %s for incident %s", incident.AffectedUserID, until.Format(time.RFC3339), incident.ID)
			return ok("rate_limited")
		}
		return ok("already_rate_limited")

	case models.ActionAlertAdmin:
		if x.notifier == nil {
			return fail(fmt.Errorf("no admin notifier wired"))
		}
		x.notifier.Generate(ctx, models.AlertAdminNotice, incident.Severity,
			fmt.Sprintf("Incident %s requires attention", incident.Type),
			fmt.Sprintf("incident %s (user=%s ip=%s) severity %s", incident.ID, incident.AffectedUserID, incident.AffectedIP, incident.Severity),
			map[string]string{"incident_id": incident.ID},
			incident.CorrelationID)
		return ok("notified")

	case models.ActionRequireMFA:
		return x.setUserFlag(ctx, incident, action, setMFARequired, "mfa_required")

	case models.ActionLogEnhanced:
		return x.setUserFlag(ctx, incident, action, setEnhancedLog, "enhanced_logging")

	case models.ActionDisableAPIAccess:
		return x.setUserFlag(ctx, incident, action, setAPIDisabled, "api_disabled")

	case models.ActionForcePasswordReset:
		return x.setUserFlag(ctx, incident, action, setPasswordReset, "password_reset_required")

	case models.ActionMonitorClosely, models.ActionRequireReauth:
		// Advisory actions consumed by collaborators via detection output.
		return ok("noted")
	}

	res.Success = false
	res.Error = fmt.Sprintf("%v: %s", secerrors.ErrUnsupportedAction, action)
	return res
}

func (x *Executor) setUserFlag(ctx context.Context, incident *models.Incident, action models.ResponseAction, set, name string) models.ActionResult {
	res := models.ActionResult{Action: action}
	if incident.AffectedUserID == "" {
		res.Success = false
		res.Error = (&secerrors.ActionError{Action: name, Err: fmt.Errorf("incident has no affected user")}).Error()
		return res
	}
	if x.state.SetFlag(ctx, set, incident.AffectedUserID) {
		x.recordAudit("set %s for user %s, incident %s", name, incident.AffectedUserID, incident.ID)
	}
	res.Success = true
	res.Detail = name
	return res
}

// ExecuteManualResponse runs operator-chosen actions against an existing
// incident, appending an audit note. Rule matching is not re-run.
func (x *Executor) ExecuteManualResponse(ctx context.Context, incidentID string, actions []models.ResponseAction, executedBy, note string) (*models.Incident, error) {
	inc, err := x.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	if inc.Status == models.StatusResolved {
		return nil, secerrors.ErrInvalidTransition
	}
	for _, a := range actions {
		if !knownExecutorAction(a) {
			return nil, fmt.Errorf("%w: %s", secerrors.ErrUnsupportedAction, a)
		}
	}

	results := x.Execute(ctx, inc, actions, executedBy)
	inc.ResponseResults = append(inc.ResponseResults, results...)
	if note != "" {
		inc.ManualNotes = append(inc.ManualNotes,
			fmt.Sprintf("%s %s: %s", x.now().UTC().Format(time.RFC3339), executedBy, note))
	}
	// Operator intervention advances the incident only when something
	// actually took effect, same as the automatic path.
	if anySucceeded(results) && inc.Status == models.StatusOpen {
		inc.Status = models.StatusInvestigating
	}
	if err := x.incidents.SaveIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("persist incident after manual response: %w", err)
	}
	return inc, nil
}

func anySucceeded(results []models.ActionResult) bool {
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return false
}

// ResolveIncident transitions the incident to RESOLVED. Legal only from
// OPEN or INVESTIGATING; the store enforces the forward-only rule.
func (x *Executor) ResolveIncident(ctx context.Context, incidentID, resolvedBy, note string) error {
	if err := x.incidents.UpdateIncidentStatus(ctx, incidentID, models.StatusResolved); err != nil {
		return err
	}
	if note != "" {
		inc, err := x.incidents.GetIncident(ctx, incidentID)
		if err != nil {
			return err
		}
		inc.ManualNotes = append(inc.ManualNotes,
			fmt.Sprintf("%s %s: resolved: %s", x.now().UTC().Format(time.RFC3339), resolvedBy, note))
		if err := x.incidents.SaveIncident(ctx, inc); err != nil {
			return fmt.Errorf("persist resolved incident: %w", err)
		}
	}
	logger.Infof("incident %s resolved by %s", incidentID, resolvedBy)
	return nil
}

// AuditTrail returns the side-effect audit entries recorded so far.
func (x *Executor) AuditTrail() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]string, len(x.audit))
	copy(out, x.audit)
	return out
}

func (x *Executor) recordAudit(format string, args ...interface{}) {
	entry := fmt.Sprintf(format, args...)
	x.mu.Lock()
	x.audit = append(x.audit, entry)
	x.mu.Unlock()
	logger.Infof("containment: %s", entry)
}

func knownExecutorAction(a models.ResponseAction) bool {
	switch a {
	case models.ActionBlockIP, models.ActionUnblockIP,
		models.ActionLockAccount, models.ActionUnlockAccount,
		models.ActionTerminateSession, models.ActionQuarantineUser,
		models.ActionRateLimitUser, models.ActionAlertAdmin,
		models.ActionRequireMFA, models.ActionLogEnhanced,
		models.ActionDisableAPIAccess, models.ActionForcePasswordReset,
		models.ActionMonitorClosely, models.ActionRequireReauth:
		return true
	}
	return false
}
