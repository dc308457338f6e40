package report

import (
	"context"
	"errors"
	"os"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultAuditSchedule re-verifies every bundle nightly at 03:00.
const DefaultAuditSchedule = "0 0 3 * * *"

// Auditor periodically re-verifies all bundles under a directory so silent
// corruption or tampering is noticed before anyone relies on the evidence.
type Auditor struct {
	log      zerolog.Logger
	cron     *cron.Cron
	baseDir  string
	key      []byte
	OnResult func(v *Verification)
}

// NewAuditor builds an auditor over baseDir. A nil key audits hashes only.
func NewAuditor(logger zerolog.Logger, baseDir string, key []byte) *Auditor {
	return &Auditor{
		log:     logger.With().Str("component", "report-auditor").Logger(),
		cron:    cron.New(cron.WithSeconds()),
		baseDir: baseDir,
		key:     key,
	}
}

// Start schedules the sweep. An empty schedule uses DefaultAuditSchedule.
func (a *Auditor) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultAuditSchedule
	}
	if _, err := a.cron.AddFunc(schedule, func() {
		if _, err := a.Sweep(context.Background()); err != nil {
			a.log.Error().Err(err).Msg("audit sweep failed")
		}
	}); err != nil {
		return err
	}
	a.cron.Start()
	a.log.Info().Str("schedule", schedule).Msg("bundle auditor started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (a *Auditor) Stop() {
	ctx := a.cron.Stop()
	<-ctx.Done()
}

// Sweep verifies every bundle under the root once and returns the tree
// result. Violations are logged and passed to OnResult but do not stop the
// sweep.
func (a *Auditor) Sweep(ctx context.Context) (*TreeResult, error) {
	if _, err := os.Stat(a.baseDir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	tr, err := VerifyTree(ctx, a.baseDir, a.key)
	if err != nil && !errors.Is(err, ErrIntegrityViolation) {
		return tr, err
	}
	if tr != nil {
		for _, v := range tr.Bundles {
			if v.OK {
				a.log.Debug().Str("bundle", v.Dir).Msg("bundle audit clean")
			} else {
				a.log.Warn().Str("bundle", v.Dir).Str("signature", v.Signature).
					Strs("mismatched", v.Mismatched).Strs("missing", v.Missing).
					Strs("unlisted", v.Unlisted).Msg("bundle failed audit")
			}
			if a.OnResult != nil {
				a.OnResult(v)
			}
		}
		for _, dir := range tr.Skipped {
			a.log.Warn().Str("bundle", dir).Msg("bundle manifest unreadable")
		}
	}
	return tr, err
}
