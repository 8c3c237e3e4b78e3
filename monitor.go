// Package pagewatch polls a web page, extracts one value from it and sends a
// notification whenever that value changes.
package pagewatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pevans/pagewatch/config"
	"github.com/pevans/pagewatch/metrics"
	"github.com/pevans/pagewatch/notify"
	"github.com/pevans/pagewatch/retry"
	"github.com/pevans/pagewatch/scraper"
	"github.com/pevans/pagewatch/state"
)

// PageFetcher retrieves the raw page body.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ValueExtractor pulls the watched value out of a page body.
type ValueExtractor interface {
	Extract(body []byte) (string, error)
}

// StateStore persists the last notified value.
type StateStore interface {
	Load() (value string, ok bool, err error)
	Save(value string) error
}

// CycleOutcome describes how a single poll cycle ended.
type CycleOutcome int

const (
	// OutcomeExtractFailed means the page was fetched but no value could be
	// read from it.
	OutcomeExtractFailed CycleOutcome = iota

	// OutcomeUnchanged means the value equals the last notified value.
	OutcomeUnchanged

	// OutcomeNotified means the value changed and the notification was
	// delivered.
	OutcomeNotified

	// OutcomeNotifyExhausted means the value changed, every notification
	// attempt failed, and the new value was recorded anyway.
	OutcomeNotifyExhausted

	// OutcomeRenderFailed means the value changed but no message could be
	// built from the templates. Nothing was sent and the value is not
	// recorded, so the next cycle tries again.
	OutcomeRenderFailed
)

func (o CycleOutcome) String() string {
	switch o {
	case OutcomeExtractFailed:
		return "extract_failed"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeNotified:
		return "notified"
	case OutcomeNotifyExhausted:
		return "notify_exhausted"
	case OutcomeRenderFailed:
		return "render_failed"
	default:
		return "unknown"
	}
}

// Config holds the driver's timing and notification settings.
type Config struct {
	URL string

	// CheckPeriod is the wait between cycles.
	CheckPeriod time.Duration

	// AccessRetryPeriod is the wait before fetching again after the fetcher
	// gave up.
	AccessRetryPeriod time.Duration

	// NotifyPolicy bounds notification attempts. MaxAttempts below 1 is
	// treated as 1.
	NotifyPolicy retry.Policy

	Recipients []string
	Template   *notify.Template
}

// Monitor runs the poll, extract, compare and notify loop for one page.
type Monitor struct {
	cfg       Config
	fetcher   PageFetcher
	extractor ValueExtractor
	channel   notify.Channel
	store     StateStore
	logger    *slog.Logger
	recorder  metrics.Recorder

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	loaded    bool
	lastValue string
	hasLast   bool
}

// New creates a monitor from its collaborators.
func New(
	cfg Config,
	fetcher PageFetcher,
	extractor ValueExtractor,
	channel notify.Channel,
	store StateStore,
	logger *slog.Logger,
) *Monitor {
	if cfg.NotifyPolicy.MaxAttempts < 1 {
		cfg.NotifyPolicy.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		cfg:       cfg,
		fetcher:   fetcher,
		extractor: extractor,
		channel:   channel,
		store:     store,
		logger:    logger,
		recorder:  metrics.NoopRecorder{},
		sleep:     retry.Sleep,
		now:       time.Now,
	}
}

// NewFromSettings wires the HTTP fetcher, the anchor extractor, the email
// channel and the file store from loaded settings.
func NewFromSettings(s *config.Settings, logger *slog.Logger) (*Monitor, error) {
	tmpl, err := s.NotificationTemplate()
	if err != nil {
		return nil, &config.ConfigError{Err: err}
	}

	email := notify.NewEmailChannel(s.EmailConfig())
	if err := email.Validate(); err != nil {
		return nil, &config.ConfigError{Err: err}
	}

	cfg := Config{
		URL:               s.URL,
		CheckPeriod:       s.CheckPeriod.Duration(),
		AccessRetryPeriod: s.AccessRetryPeriod.Duration(),
		NotifyPolicy:      s.NotifyPolicy(),
		Recipients:        s.EmailRecipients,
		Template:          tmpl,
	}

	return New(
		cfg,
		scraper.NewFetcher(s.FetchPolicy(), s.FetchTimeout.Duration(), logger),
		scraper.NewExtractor(scraper.NewExtractConfig(s.Anchor)),
		email,
		state.NewFileStore(s.StateFile),
		logger,
	), nil
}

// SetRecorder sends cycle, fetch and notification events to r. A nil r
// disables recording.
func (m *Monitor) SetRecorder(r metrics.Recorder) {
	if r == nil {
		r = metrics.NoopRecorder{}
	}
	m.recorder = r
}

// LastValue returns the value the monitor currently treats as last notified.
func (m *Monitor) LastValue() (string, bool) {
	return m.lastValue, m.hasLast
}

// LoadState reads the last notified value from the store. Read failures are
// logged and leave the monitor with no prior value. Cycle calls it on first
// use.
func (m *Monitor) LoadState() {
	m.loaded = true

	value, ok, err := m.store.Load()
	if err != nil {
		m.logger.Warn("loading last value failed", "error", err)
	}
	m.lastValue, m.hasLast = value, ok

	if ok {
		m.logger.Info("last value loaded", "value", value)
	} else {
		m.logger.Info("no last value stored, first observed value will be notified")
	}
}

// Run loads the stored state and polls forever, sleeping CheckPeriod between
// cycles. It only returns when ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor starting", "url", m.cfg.URL, "check_period", m.cfg.CheckPeriod)
	if !m.loaded {
		m.LoadState()
	}

	for {
		if _, err := m.Cycle(ctx); err != nil {
			return err
		}

		m.logger.Info("waiting before next check", "period", m.cfg.CheckPeriod)
		if err := m.sleep(ctx, m.cfg.CheckPeriod); err != nil {
			return err
		}
	}
}

// Cycle performs one poll: fetch (retrying until the site answers), extract,
// compare and, on change, notify and record the new value. The returned error
// is non-nil only when ctx is done.
func (m *Monitor) Cycle(ctx context.Context) (CycleOutcome, error) {
	if !m.loaded {
		m.LoadState()
	}

	start := m.now()
	outcome, err := m.cycle(ctx)
	if err == nil {
		m.recorder.IncCycleOutcome(outcome.String())
		m.recorder.ObserveCycleDuration(m.now().Sub(start))
	}
	return outcome, err
}

func (m *Monitor) cycle(ctx context.Context) (CycleOutcome, error) {

	log := m.logger.With("cycle_id", uuid.NewString())

	body, err := m.poll(ctx, log)
	if err != nil {
		return OutcomeExtractFailed, err
	}

	value, err := m.extractor.Extract(body)
	if err != nil {
		log.Error("error occurred when parsing response", "error", err)
		return OutcomeExtractFailed, nil
	}
	log.Debug("value extracted", "value", value)

	if m.hasLast && value == m.lastValue {
		log.Info("value unchanged", "value", value)
		return OutcomeUnchanged, nil
	}

	log.Info("value changed", "previous", m.lastValue, "value", value)
	m.recorder.SetLastChange(m.now())
	outcome, err := m.notify(ctx, log, value)
	if err != nil || outcome == OutcomeRenderFailed {
		return outcome, err
	}

	m.advance(log, value)
	return outcome, nil
}

// poll fetches the page, waiting AccessRetryPeriod after every failure
// until the site answers or ctx is done.
func (m *Monitor) poll(ctx context.Context, log *slog.Logger) ([]byte, error) {
	policy := retry.Policy{
		Initial: m.cfg.AccessRetryPeriod,
		Mode:    retry.ModeFixed,
		Sleep:   m.sleep,
	}

	var body []byte
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		b, err := m.fetcher.Fetch(ctx, m.cfg.URL)
		if err != nil {
			if ctx.Err() == nil {
				m.recorder.IncFetchFailure()
				log.Warn("couldn't reach site, waiting before retrying",
					"url", m.cfg.URL,
					"round", attempt,
					"wait", m.cfg.AccessRetryPeriod,
					"error", err,
				)
			}
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// notify renders and sends the change notification within the retry budget.
// Exhausting the budget is not an error; only ctx cancellation is. A render
// failure is reported as OutcomeRenderFailed before any send.
func (m *Monitor) notify(ctx context.Context, log *slog.Logger, value string) (CycleOutcome, error) {
	msg, err := m.cfg.Template.Render(notify.TemplateData{
		Value:     value,
		Previous:  m.lastValue,
		URL:       m.cfg.URL,
		CheckedAt: m.now(),
	}, m.cfg.Recipients)
	if err != nil {
		log.Error("failed to render notification, value not recorded", "error", err)
		return OutcomeRenderFailed, nil
	}

	policy := m.cfg.NotifyPolicy
	policy.Sleep = m.sleep

	err = policy.Do(ctx, func(ctx context.Context, attempt int) error {
		err := m.channel.Send(ctx, msg)
		m.recorder.IncNotifyAttempt(m.channel.Name(), err == nil)
		if err != nil {
			log.Warn("notification failed",
				"channel", m.channel.Name(),
				"attempt", attempt,
				"max_attempts", policy.MaxAttempts,
				"error", err,
			)
			return err
		}
		log.Info("notification sent",
			"channel", m.channel.Name(),
			"attempt", attempt,
			"recipients", len(msg.Recipients),
		)
		return nil
	})

	var exhausted *retry.ExhaustedError
	switch {
	case err == nil:
		return OutcomeNotified, nil
	case errors.As(err, &exhausted):
		log.Warn("giving up on notification, recording value anyway",
			"attempts", exhausted.Attempts,
			"value", value,
		)
		return OutcomeNotifyExhausted, nil
	default:
		return OutcomeNotifyExhausted, err
	}
}

// advance records value as the last notified value. A failed save is logged;
// the in-memory value still advances.
func (m *Monitor) advance(log *slog.Logger, value string) {
	m.lastValue, m.hasLast = value, true

	if err := m.store.Save(value); err != nil {
		log.Warn("writing last value to file failed", "error", err)
		return
	}
	log.Info("last value saved", "value", value)
}
