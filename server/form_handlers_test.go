package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/lucianoaf8/lucaverse-auth/abuse"
	apperrors "github.com/lucianoaf8/lucaverse-auth/internal/errors"
	"github.com/lucianoaf8/lucaverse-auth/server"
	"github.com/stretchr/testify/require"
)

type issuedForm struct {
	ID        string                `json:"id"`
	Honeypots []abuse.HoneypotField `json:"honeypots"`
}

type apiError struct {
	Error             string   `json:"error"`
	Message           string   `json:"message"`
	RetryAfterSeconds int      `json:"retryAfterSeconds"`
	Fields            []string `json:"fields"`
}

func (f *fixture) newForm(t *testing.T, c *http.Client, header http.Header) issuedForm {
	t.Helper()
	resp := f.post(t, c, server.RouteAPIForms, "", nil, header)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var form issuedForm
	decode(t, resp, &form)
	require.NotEmpty(t, form.ID)
	require.NotEmpty(t, form.Honeypots)
	return form
}

// interact posts a plausible human trace and lets the minimum form time pass.
func (f *fixture) interact(t *testing.T, c *http.Client, header http.Header, formID string) {
	t.Helper()
	type event struct {
		Type string `json:"type"`
		At   int64  `json:"at"`
	}
	var events []event
	at := time.Now().Add(-5 * time.Second)
	add := func(kind string, n int) {
		for i := 0; i < n; i++ {
			at = at.Add(100 * time.Millisecond)
			events = append(events, event{Type: kind, At: at.UnixMilli()})
		}
	}
	add("mouse", 12)
	add("keyboard", 6)
	add("focus", 3)
	add("scroll", 2)
	add("telepathy", 1)

	body, err := json.Marshal(map[string]any{"events": events})
	require.NoError(t, err)
	path := strings.Replace(server.RouteAPIFormSignals, "{id}", formID, 1)
	resp := f.post(t, c, path, "application/json", bytes.NewReader(body), header)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	f.clock.Advance(10 * time.Second)
}

func contactForm(formID string) url.Values {
	return url.Values{
		server.FieldFormID: {formID},
		"name":             {"Ada"},
		"email":            {"ada@example.com"},
		"subject":          {"Hello"},
		"message":          {"I enjoyed the article on session lifecycles."},
		"request_id":       {"req-1"},
	}
}

func (f *fixture) submit(t *testing.T, c *http.Client, header http.Header, data url.Values) *http.Response {
	t.Helper()
	return f.post(t, c, server.RouteAPIContact, "application/x-www-form-urlencoded",
		strings.NewReader(data.Encode()), header)
}

func TestContact_HumanSubmissionIsRelayed(t *testing.T) {
	f := newFixture(t)
	c := f.browser(t)
	header := f.csrfHeader(t, c)

	form := f.newForm(t, c, header)
	f.interact(t, c, header, form.ID)

	resp := f.submit(t, c, header, contactForm(form.ID))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case got := <-f.relayed:
		require.Equal(t, "ada@example.com", got.Email)
		require.Equal(t, "req-1", got.RequestID)
	case <-time.After(5 * time.Second):
		t.Fatal("contact was not relayed")
	}

	// a retired form cannot be submitted twice
	resp = f.submit(t, c, header, contactForm(form.ID))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestContact_Rejections(t *testing.T) {
	tests := map[string]struct {
		prepare    func(t *testing.T, f *fixture, c *http.Client, header http.Header, form issuedForm) url.Values
		wantStatus int
		wantCode   string
	}{
		"honeypot filled": {
			prepare: func(t *testing.T, f *fixture, c *http.Client, header http.Header, form issuedForm) url.Values {
				f.interact(t, c, header, form.ID)
				data := contactForm(form.ID)
				data.Set(form.Honeypots[0].Name, "http://spam.example")
				return data
			},
			wantStatus: http.StatusForbidden,
			wantCode:   apperrors.CodeSuspicious,
		},
		"submitted too fast": {
			prepare: func(t *testing.T, f *fixture, c *http.Client, header http.Header, form issuedForm) url.Values {
				return contactForm(form.ID)
			},
			wantStatus: http.StatusForbidden,
			wantCode:   apperrors.CodeSuspicious,
		},
		"too fast with human signals": {
			prepare: func(t *testing.T, f *fixture, c *http.Client, header http.Header, form issuedForm) url.Values {
				f.interact(t, c, header, form.ID)
				f.clock.Advance(-9 * time.Second)
				return contactForm(form.ID)
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   apperrors.CodeTooFast,
		},
		"unknown form": {
			prepare: func(t *testing.T, f *fixture, c *http.Client, header http.Header, form issuedForm) url.Values {
				return contactForm("not-a-form")
			},
			wantStatus: http.StatusNotFound,
			wantCode:   apperrors.CodeNotFound,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			c := f.browser(t)
			header := f.csrfHeader(t, c)
			form := f.newForm(t, c, header)

			resp := f.submit(t, c, header, tc.prepare(t, f, c, header, form))
			require.Equal(t, tc.wantStatus, resp.StatusCode)
			var body apiError
			decode(t, resp, &body)
			require.Equal(t, tc.wantCode, body.Error)
			require.Empty(t, f.relayed)
		})
	}
}

func TestContact_InvalidPayload(t *testing.T) {
	f := newFixture(t)
	c := f.browser(t)
	header := f.csrfHeader(t, c)
	form := f.newForm(t, c, header)
	f.interact(t, c, header, form.ID)

	data := contactForm(form.ID)
	data.Set("email", "not-an-address")
	data.Set("message", "short")
	resp := f.submit(t, c, header, data)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body apiError
	decode(t, resp, &body)
	require.ElementsMatch(t, []string{"Email", "Message"}, body.Fields)

	// the form survives so the visitor can correct the fields
	data = contactForm(form.ID)
	require.Equal(t, http.StatusAccepted, f.submit(t, c, header, data).StatusCode)
}

func TestContact_RateLimited(t *testing.T) {
	f := newFixture(t)
	c := f.browser(t)
	header := f.csrfHeader(t, c)

	for i := 0; i < 5; i++ {
		form := f.newForm(t, c, header)
		f.interact(t, c, header, form.ID)
		require.Equal(t, http.StatusAccepted, f.submit(t, c, header, contactForm(form.ID)).StatusCode)
		<-f.relayed
	}

	form := f.newForm(t, c, header)
	f.interact(t, c, header, form.ID)
	resp := f.submit(t, c, header, contactForm(form.ID))
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Retry-After"))

	var body apiError
	decode(t, resp, &body)
	require.Equal(t, apperrors.CodeRateLimited, body.Error)
	require.Positive(t, body.RetryAfterSeconds)
}

func TestContact_RequiresCSRF(t *testing.T) {
	f := newFixture(t)
	c := f.browser(t)
	header := f.csrfHeader(t, c)
	form := f.newForm(t, c, header)

	resp := f.submit(t, c, nil, contactForm(form.ID))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSignals_MalformedBatch(t *testing.T) {
	f := newFixture(t)
	c := f.browser(t)
	header := f.csrfHeader(t, c)
	form := f.newForm(t, c, header)

	path := strings.Replace(server.RouteAPIFormSignals, "{id}", form.ID, 1)
	resp := f.post(t, c, path, "application/json", strings.NewReader("{"), header)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
