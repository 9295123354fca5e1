package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/regx/internal/events"
	"github.com/desertthunder/regx/internal/services"
	"github.com/desertthunder/regx/internal/shared"
	"golang.org/x/time/rate"
)

// DefaultProgressEvery is the wall-clock cadence of the poller's progress events.
const DefaultProgressEvery = 10 * time.Second

// StopFlag reports whether a stop was requested. [sync/atomic.Bool] satisfies it.
type StopFlag interface {
	Load() bool
}

type neverStop struct{}

func (neverStop) Load() bool { return false }

// VerificationPoller waits for the verification mail of a new account.
type VerificationPoller struct {
	inbox         services.Inbox
	marker        string
	stop          StopFlag
	publisher     events.Publisher
	logger        *log.Logger
	progressEvery time.Duration
}

// NewVerificationPoller creates a poller that accepts mail whose sender contains marker, case-insensitively.
func NewVerificationPoller(inbox services.Inbox, marker string, stop StopFlag, publisher events.Publisher, logger *log.Logger) *VerificationPoller {
	if stop == nil {
		stop = neverStop{}
	}
	if publisher == nil {
		publisher = events.Discard
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &VerificationPoller{
		inbox:         inbox,
		marker:        strings.ToLower(marker),
		stop:          stop,
		publisher:     publisher,
		logger:        shared.WithLogger(logger, "component", "poller"),
		progressEvery: DefaultProgressEvery,
	}
}

// Await polls the inbox of identifier once per interval until a matching message arrives, the timeout
// elapses, ctx ends or a stop is requested. Lookup errors are retried on the next interval.
//
// It returns the message body and true on a match, otherwise "" and false; the cause is only logged.
func (p *VerificationPoller) Await(ctx context.Context, identifier string, timeout, interval time.Duration) (string, bool) {
	started := time.Now()
	ctx, cancel := context.WithDeadline(ctx, started.Add(timeout))
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(interval), 1)
	lastReport := started
	attempts := 0

	for {
		if p.stop.Load() {
			p.logger.Info("stop requested while waiting for mail", "email", identifier, "attempts", attempts)
			return "", false
		}
		if err := limiter.Wait(ctx); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				p.logger.Info("mail wait cancelled", "email", identifier, "attempts", attempts)
			} else {
				p.logger.Info("no verification mail before timeout", "email", identifier, "attempts", attempts, "timeout", timeout)
			}
			return "", false
		}
		attempts++

		msgs, err := p.inbox.Messages(ctx, identifier)
		if err != nil {
			p.logger.Debug("inbox lookup failed", "email", identifier, "attempt", attempts, "error", err)
		}
		for _, m := range msgs {
			if strings.Contains(strings.ToLower(m.From), p.marker) {
				elapsed := time.Since(started)
				p.publisher.Publish(events.Success(fmt.Sprintf("mail received after %s", shared.FormatDuration(elapsed))))
				return m.Content, true
			}
		}

		if now := time.Now(); now.Sub(lastReport) >= p.progressEvery {
			p.report(identifier, now.Sub(started), timeout, attempts)
			lastReport = now
		}
	}
}

func (p *VerificationPoller) report(identifier string, elapsed, timeout time.Duration, attempts int) {
	pct := min(int(float64(elapsed)/float64(timeout)*100), 99)
	e := events.Info(fmt.Sprintf("waiting for mail [%d%%] elapsed %s, remaining %s (%d attempts)",
		pct, shared.FormatDuration(elapsed), shared.FormatDuration(timeout-elapsed), attempts))
	e.Identifier = identifier
	p.publisher.Publish(e)
}
