package watcher

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/deepnoodle-ai/relay/automation"
	"github.com/google/uuid"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, keyed by
// the trigger's shared secret.
const SignatureHeader = "X-Relay-Signature"

const maxWebhookBody = 1 << 20

// ServeHTTP accepts webhook deliveries at POST /hooks/<endpoint>. A trigger
// configured with a secret rejects unsigned or wrongly signed requests
// before any condition is evaluated.
func (w *Watcher) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	endpoint := strings.TrimPrefix(req.URL.Path, "/hooks/")
	if endpoint == "" || strings.Contains(endpoint, "/") {
		http.NotFound(rw, req)
		return
	}

	w.mu.Lock()
	e, ok := w.webhooks[endpoint]
	w.mu.Unlock()
	if !ok {
		http.NotFound(rw, req)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "failed to read body", http.StatusBadRequest)
		return
	}

	if secret := e.spec.Trigger.Webhook.Secret; secret != "" {
		if !verifySignature(secret, body, req.Header.Get(SignatureHeader)) {
			w.logger.Warn("webhook signature rejected",
				"automation", e.spec.ID, "endpoint", endpoint)
			http.Error(rw, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	data := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			http.Error(rw, "body must be a JSON object", http.StatusBadRequest)
			return
		}
	}
	if _, ok := data["id"].(string); !ok {
		data["id"] = uuid.New().String()
	}

	w.dispatch(req.Context(), e, automation.NewTriggerEvent(automation.TriggerWebhook, data))
	rw.WriteHeader(http.StatusAccepted)
}

func verifySignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.TrimPrefix(header, "sha256=")))
}

// Sign computes the signature header value for a payload, for clients and
// tests delivering signed webhooks.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
