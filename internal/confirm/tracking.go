package confirm

import (
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/pulseline/pulseline/internal/domain/notification"
)

// trackTarget is the state behind one opaque tracking token.
type trackTarget struct {
	NotificationID string
	TenantID       string
	Channel        notification.Channel
	RedirectURL    string
}

// Tracker issues opaque pixel/click URLs and resolves them back to
// confirmation records when fetched.
type Tracker struct {
	store *Store

	mu     sync.Mutex
	tokens map[string]trackTarget
}

func NewTracker(store *Store) *Tracker {
	return &Tracker{
		store:  store,
		tokens: make(map[string]trackTarget),
	}
}

// PixelURL returns a path that records a Read confirmation when fetched.
func (t *Tracker) PixelURL(notifID, tenant string, ch notification.Channel) string {
	return "/t/pixel/" + t.register(trackTarget{
		NotificationID: notifID,
		TenantID:       tenant,
		Channel:        ch,
	})
}

// ClickURL returns a path that records a Clicked confirmation and then
// redirects to target.
func (t *Tracker) ClickURL(notifID, tenant string, ch notification.Channel, target string) string {
	return "/t/click/" + t.register(trackTarget{
		NotificationID: notifID,
		TenantID:       tenant,
		Channel:        ch,
		RedirectURL:    target,
	})
}

func (t *Tracker) register(target trackTarget) string {
	token := uuid.NewString()
	t.mu.Lock()
	t.tokens[token] = target
	t.mu.Unlock()
	return token
}

func (t *Tracker) lookup(token string) (trackTarget, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	target, ok := t.tokens[token]
	return target, ok
}

// transparentGIF is a 1x1 transparent image served by the pixel endpoint.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// ServePixel handles GET /t/pixel/{token}.
func (t *Tracker) ServePixel(w http.ResponseWriter, r *http.Request, token string) {
	if target, ok := t.lookup(token); ok {
		t.store.RecordRead(target.NotificationID, target.TenantID, target.Channel, Meta{
			UserAgent: r.UserAgent(),
			IP:        r.RemoteAddr,
		})
	}
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(transparentGIF)
}

// ServeClick handles GET /t/click/{token}: records the click and 302s to the
// original target.
func (t *Tracker) ServeClick(w http.ResponseWriter, r *http.Request, token string) {
	target, ok := t.lookup(token)
	if !ok {
		http.NotFound(w, r)
		return
	}
	t.store.RecordClicked(target.NotificationID, target.TenantID, target.Channel, Meta{
		UserAgent:  r.UserAgent(),
		IP:         r.RemoteAddr,
		ClickedURL: target.RedirectURL,
	})
	http.Redirect(w, r, target.RedirectURL, http.StatusFound)
}
