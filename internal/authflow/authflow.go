package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/wagiedev/peerwire-go/internal/transport"
	"github.com/wagiedev/peerwire-go/internal/wire"
)

// metaAuthorization is the envelope meta key carrying the credential.
const metaAuthorization = "authorization"

// refreshKey is the singleflight key: there is only ever one credential,
// so all senders share one refresh.
const refreshKey = "refresh"

// CredentialProvider supplies the credential attached to outbound requests.
// Fetch returns the current credential; Refresh obtains a new one after the
// peer rejected the current one. Both may block on external systems.
type CredentialProvider interface {
	Fetch(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// outstanding remembers an authenticated request until its response passes
// through, so a rejected request can be retried once with a fresh credential.
type outstanding struct {
	env     *wire.Envelope
	retried bool
}

// Decorator wraps a transport's outbound path with credential attachment.
//
// Each outbound request gets the current credential in its envelope meta.
// When the peer answers with an auth-failure error, the decorator suppresses
// the response, refreshes the credential (single-flight across concurrent
// senders), and re-sends the original request once. If the refresh fails or
// the retry is rejected again, the original auth error reaches the session
// and surfaces to the caller.
type Decorator struct {
	log      *slog.Logger
	inner    transport.Transport
	provider CredentialProvider

	group singleflight.Group

	mu      sync.Mutex
	pending map[string]*outstanding
}

var _ transport.Transport = (*Decorator)(nil)

// New wraps inner with credential attachment from provider.
func New(log *slog.Logger, inner transport.Transport, provider CredentialProvider) *Decorator {
	return &Decorator{
		log:      log.With("component", "authflow"),
		inner:    inner,
		provider: provider,
		pending:  make(map[string]*outstanding, 8),
	}
}

// Start implements transport.Transport.
func (d *Decorator) Start(ctx context.Context) error {
	return d.inner.Start(ctx)
}

// Close implements transport.Transport.
func (d *Decorator) Close() error {
	return d.inner.Close()
}

// SendFrame implements transport.Transport. Request frames get the current
// credential attached; responses and notifications pass through untouched.
func (d *Decorator) SendFrame(ctx context.Context, frame []byte) error {
	var env wire.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		// Not ours to police; the peer will reject it.
		return d.inner.SendFrame(ctx, frame)
	}

	if env.Kind() != wire.KindRequest {
		return d.inner.SendFrame(ctx, frame)
	}

	cred, err := d.provider.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch credential: %w", err)
	}

	d.mu.Lock()
	d.pending[env.ID.String()] = &outstanding{env: &env}
	d.mu.Unlock()

	return d.sendWithCredential(ctx, &env, cred)
}

func (d *Decorator) sendWithCredential(ctx context.Context, env *wire.Envelope, cred string) error {
	authed := *env
	authed.Meta = make(map[string]any, len(env.Meta)+1)
	for k, v := range env.Meta {
		authed.Meta[k] = v
	}
	authed.Meta[metaAuthorization] = cred

	data, err := json.Marshal(&authed)
	if err != nil {
		return fmt.Errorf("marshal authenticated request: %w", err)
	}

	return d.inner.SendFrame(ctx, data)
}

// ReadFrames implements transport.Transport. Auth-failure responses for
// remembered requests are intercepted; everything else passes through.
func (d *Decorator) ReadFrames(ctx context.Context) (<-chan []byte, <-chan error) {
	innerFrames, innerErrs := d.inner.ReadFrames(ctx)

	frames := make(chan []byte)
	errs := make(chan error, 1)

	// Frames whose retry failed re-enter here so the session still sees
	// the original auth error.
	redeliver := make(chan []byte, 4)

	go func() {
		defer close(frames)
		defer close(errs)

		for {
			select {
			case frame, ok := <-innerFrames:
				if !ok {
					// Drain a queued fault before ending.
					select {
					case err, ok := <-innerErrs:
						if ok && err != nil {
							errs <- err
						}
					default:
					}

					return
				}

				if d.intercept(ctx, frame, redeliver) {
					continue
				}

				select {
				case frames <- frame:
				case <-ctx.Done():
					return
				}

			case frame := <-redeliver:
				select {
				case frames <- frame:
				case <-ctx.Done():
					return
				}

			case err, ok := <-innerErrs:
				if !ok {
					return
				}

				if err != nil {
					errs <- err

					return
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	return frames, errs
}

// intercept inspects one inbound frame, reporting true when the decorator
// consumed it. A first auth rejection for a remembered request claims the
// retry and kicks off the refresh without blocking the read path, so
// concurrent rejections share one refresh.
func (d *Decorator) intercept(ctx context.Context, frame []byte, redeliver chan<- []byte) bool {
	var env wire.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return false
	}

	if env.Kind() != wire.KindResponse || env.ID.IsNil() {
		return false
	}

	key := env.ID.String()

	d.mu.Lock()
	entry, tracked := d.pending[key]

	if !tracked {
		d.mu.Unlock()

		return false
	}

	authFailed := env.Error != nil && env.Error.Code == wire.CodeAuthRequired

	if !authFailed || entry.retried {
		// Final answer for this request, auth-failed or not.
		delete(d.pending, key)
		d.mu.Unlock()

		return false
	}

	// First rejection: claim the retry while holding the lock.
	entry.retried = true
	d.mu.Unlock()

	d.log.Debug("Credential rejected, refreshing", "id", env.ID)

	go func() {
		if err := d.retry(ctx, entry); err != nil {
			d.log.Warn("Credential refresh failed, surfacing original auth error",
				"id", env.ID, "error", err)

			d.mu.Lock()
			delete(d.pending, key)
			d.mu.Unlock()

			select {
			case redeliver <- frame:
			case <-ctx.Done():
			}
		}
	}()

	return true
}

// retry refreshes the credential (shared across concurrent senders) and
// re-sends the original request.
func (d *Decorator) retry(ctx context.Context, entry *outstanding) error {
	cred, err, _ := d.group.Do(refreshKey, func() (any, error) {
		return d.provider.Refresh(ctx)
	})
	if err != nil {
		return fmt.Errorf("refresh credential: %w", err)
	}

	return d.sendWithCredential(ctx, entry.env, cred.(string))
}
