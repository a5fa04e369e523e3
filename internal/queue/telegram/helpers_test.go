package telegram

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testToken    = "123456:test-token"
	testChannel  = int64(-1001234567890)
	testOffers   = int64(-1009876543210)
	testBotName  = "queue_bot"
	firstFakeMID = 700
)

type apiCall struct {
	Method string
	Form   url.Values
}

type apiFailure struct {
	Status     int
	Code       int
	Desc       string
	RetryAfter int
}

// fakeAPI is a minimal Bot API server recording every call.
type fakeAPI struct {
	mu       sync.Mutex
	calls    []apiCall
	nextID   int
	failures map[string]apiFailure
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()

	f := &fakeAPI{nextID: firstFakeMID, failures: make(map[string]apiFailure)}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	method := path.Base(r.URL.Path)
	_ = r.ParseForm()

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Form: r.PostForm})
	failure, failing := f.failures[method]
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if failing {
		w.WriteHeader(failure.Status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":          false,
			"error_code":  failure.Code,
			"description": failure.Desc,
			"parameters":  map[string]int{"retry_after": failure.RetryAfter},
		})
		return
	}

	var result interface{}
	switch method {
	case "getMe":
		result = map[string]interface{}{"id": 42, "is_bot": true, "first_name": "Queue", "username": testBotName}
	case "copyMessage":
		result = map[string]int{"message_id": id}
	case "sendMessage":
		chatID, _ := strconv.ParseInt(r.PostForm.Get("chat_id"), 10, 64)
		result = map[string]interface{}{
			"message_id": id,
			"date":       0,
			"chat":       map[string]interface{}{"id": chatID, "type": "private"},
			"text":       r.PostForm.Get("text"),
		}
	default:
		result = true
	}

	_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "result": result})
}

func (f *fakeAPI) fail(method string, failure apiFailure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = failure
}

// callsTo returns recorded calls of one Bot API method.
func (f *fakeAPI) callsTo(method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []apiCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	client, err := NewClient(Config{
		BotToken:     testToken,
		APIEndpoint:  srv.URL + "/bot%s/%s",
		ChannelID:    testChannel,
		OffersChatID: testOffers,
		RateLimit:    1000,
	})
	require.NoError(t, err)
	return client
}
