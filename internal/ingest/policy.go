package ingest

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

// ErrPublishDenied is wrapped by every policy refusal.
var ErrPublishDenied = errors.New("ingest: publish denied")

// PublishRequest describes a publish attempt after stream key
// normalisation.
type PublishRequest struct {
	ConnID     string
	RemoteAddr string
	App        string
	StreamKey  string
}

// PublishPolicy decides whether a publish request may proceed. A non-nil
// error wrapping ErrPublishDenied refuses it.
type PublishPolicy interface {
	AllowPublish(req PublishRequest) error
}

// PolicyFunc adapts a function to PublishPolicy.
type PolicyFunc func(req PublishRequest) error

// AllowPublish implements PublishPolicy.
func (f PolicyFunc) AllowPublish(req PublishRequest) error { return f(req) }

// AllowAll accepts every publish request.
type AllowAll struct{}

// AllowPublish implements PublishPolicy.
func (AllowAll) AllowPublish(PublishRequest) error { return nil }

// StreamKeyPolicy admits only publishers that present the pre-shared key.
// An empty Key admits everyone.
type StreamKeyPolicy struct {
	Key string
}

// AllowPublish implements PublishPolicy.
func (p StreamKeyPolicy) AllowPublish(req PublishRequest) error {
	if p.Key == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(req.StreamKey), []byte(p.Key)) != 1 {
		return fmt.Errorf("%w: invalid stream key", ErrPublishDenied)
	}
	return nil
}

// ActiveCounter reports how many streams are publishing.
// *stream.Manager implements it.
type ActiveCounter interface {
	Count() int
}

// SinglePublisherPolicy admits a publisher only while no other stream is
// active, for deployments where the frame region has a single consumer.
type SinglePublisherPolicy struct {
	Streams ActiveCounter
}

// AllowPublish implements PublishPolicy.
func (p SinglePublisherPolicy) AllowPublish(PublishRequest) error {
	if n := p.Streams.Count(); n > 0 {
		return fmt.Errorf("%w: %d stream(s) already publishing", ErrPublishDenied, n)
	}
	return nil
}

// Policies applies each policy in order; the first refusal wins.
type Policies []PublishPolicy

// AllowPublish implements PublishPolicy.
func (ps Policies) AllowPublish(req PublishRequest) error {
	for _, p := range ps {
		if err := p.AllowPublish(req); err != nil {
			return err
		}
	}
	return nil
}
