package roundtable

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Invoker is the opaque, timeout-bounded call to one participant. Provider
// adapters implement it.
type Invoker interface {
	Invoke(ctx context.Context, task string, p Participant) (Response, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, task string, p Participant) (Response, error)

func (f InvokerFunc) Invoke(ctx context.Context, task string, p Participant) (Response, error) {
	return f(ctx, task, p)
}

const defaultPerCallTimeout = 30 * time.Second

// dispatcher runs one goroutine per seat and joins on all of them. A session
// deadline cancels in-flight calls; whatever voted by then is kept and the
// rest become abstentions.
type dispatcher struct {
	invoker Invoker
	limiter *rate.Limiter
	logger  *slog.Logger
}

func (d *dispatcher) dispatch(ctx context.Context, s *Session, roster []Participant) ([]Vote, []Abstention) {
	perCall := s.PerCallTimeout
	if perCall <= 0 {
		perCall = defaultPerCallTimeout
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	type outcome struct {
		seat int
		vote *Vote
		err  error
	}
	results := make(chan outcome, len(roster))

	var wg sync.WaitGroup
	for i, p := range roster {
		wg.Add(1)
		go func(seat int, p Participant) {
			defer wg.Done()
			if d.limiter != nil {
				if err := d.limiter.Wait(ctx); err != nil {
					results <- outcome{seat: seat, err: err}
					return
				}
			}
			callCtx, cancel := context.WithTimeout(ctx, perCall)
			defer cancel()
			resp, err := d.invoker.Invoke(callCtx, s.Task, p)
			if err != nil {
				results <- outcome{seat: seat, err: err}
				return
			}
			results <- outcome{seat: seat, vote: &Vote{
				ParticipantID: p.ID,
				Response:      resp.Text,
				Confidence:    resp.Confidence,
				WeightUsed:    p.Weight,
			}}
		}(i, p)
	}
	wg.Wait()
	close(results)

	byseat := make(map[int]outcome, len(roster))
	for o := range results {
		byseat[o.seat] = o
	}

	var votes []Vote
	var abstentions []Abstention
	for i, p := range roster {
		o := byseat[i]
		if o.vote != nil {
			votes = append(votes, *o.vote)
			continue
		}
		reason := "no response"
		if o.err != nil {
			reason = o.err.Error()
		}
		d.logger.Warn("participant abstained", "session", s.ID, "participant", p.ID, "reason", reason)
		abstentions = append(abstentions, Abstention{ParticipantID: p.ID, Reason: reason})
	}

	// Votes come back in seat order, deterministic regardless of response
	// timing.
	return votes, abstentions
}
