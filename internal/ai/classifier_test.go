package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailtriage/internal/logging"
	"github.com/nhle/mailtriage/internal/model"
)

var testDepartments = []string{"product", "sales", "engineering", "marketing", "other"}

func newTestClassifier(t *testing.T, url string) *Classifier {
	t.Helper()

	c := New(Options{
		URL:             url,
		APIKey:          "sk-test",
		Model:           "test-model",
		Temperature:     0.7,
		TopP:            0.7,
		MaxTokens:       200,
		Timeout:         2 * time.Second,
		Retries:         1,
		Departments:     testDepartments,
		DefaultCategory: 3,
	}, logging.Discard())
	c.backoff = time.Millisecond
	return c
}

func replyWith(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, content)
	}
}

func TestExtractCategory(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    model.Category
		wantErr error
	}{
		{name: "bare digit", text: "2", want: 2},
		{name: "digit with explanation", text: "2 - sales department", want: 2},
		{name: "digit after text", text: "Category: 4", want: 4},
		{name: "first run only", text: "1 or maybe 3", want: 1},
		{name: "multi digit out of range", text: "12", wantErr: ErrOutOfRange},
		{name: "no digits", text: "I cannot determine this", wantErr: ErrNoDigits},
		{name: "empty", text: "", wantErr: ErrNoDigits},
		{name: "overflow", text: "99999999999999999999999", wantErr: ErrOutOfRange},
		{name: "full-width digit", text: "２", want: 2},
		{name: "full-width after label", text: "部门：１", want: 1},
		{name: "arabic-indic digit", text: "٤", want: 4},
		{name: "full-width out of range", text: "１２", wantErr: ErrOutOfRange},
		{name: "mixed scripts in one run", text: "0２", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractCategory(tt.text, len(testDepartments))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifySendsExpectedRequest(t *testing.T) {
	var got chatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		replyWith("1")(w, r)
	}))
	defer srv.Close()

	res := newTestClassifier(t, srv.URL).Classify(context.Background(), "how much is it?")

	assert.Equal(t, model.Category(1), res.Category)
	assert.Equal(t, model.ProvenanceModel, res.Provenance)
	assert.Equal(t, "1", res.Raw)

	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "test-model", got.Model)
	assert.InDelta(t, 0.7, got.Temperature, 1e-9)
	assert.InDelta(t, 0.7, got.TopP, 1e-9)
	assert.Equal(t, 200, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Contains(t, got.Messages[0].Content, "3. marketing department")
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "how much is it?", got.Messages[1].Content)
}

func TestClassifyFallbacks(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "no digits", handler: replyWith("I cannot determine this")},
		{name: "out of range", handler: replyWith("12")},
		{name: "bad request", handler: func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad model", http.StatusBadRequest)
		}},
		{name: "undecodable body", handler: func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "not json")
		}},
		{name: "empty choices", handler: func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"choices":[]}`)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			res := newTestClassifier(t, srv.URL).Classify(context.Background(), "body")

			assert.Equal(t, model.Category(3), res.Category)
			assert.True(t, res.IsFallback())
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestClassifyFullWidthReply(t *testing.T) {
	srv := httptest.NewServer(replyWith("４"))
	defer srv.Close()

	res := newTestClassifier(t, srv.URL).Classify(context.Background(), "广告合作")

	assert.Equal(t, model.Category(4), res.Category)
	assert.False(t, res.IsFallback())
}

func TestClassifySameReplySameCategory(t *testing.T) {
	srv := httptest.NewServer(replyWith("0 product"))
	defer srv.Close()

	c := newTestClassifier(t, srv.URL)
	first := c.Classify(context.Background(), "a")
	second := c.Classify(context.Background(), "b")

	assert.Equal(t, first.Category, second.Category)
	assert.Equal(t, model.Category(0), first.Category)
}

func TestClassifyRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		replyWith("2")(w, r)
	}))
	defer srv.Close()

	res := newTestClassifier(t, srv.URL).Classify(context.Background(), "body")

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, model.Category(2), res.Category)
	assert.False(t, res.IsFallback())
}

func TestClassifyDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	res := newTestClassifier(t, srv.URL).Classify(context.Background(), "body")

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, res.IsFallback())
	assert.Contains(t, res.Reason, "401")
}

func TestClassifyTimeoutFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClassifier(t, srv.URL)
	c.opts.Timeout = 50 * time.Millisecond

	start := time.Now()
	res := c.Classify(context.Background(), "body")

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, model.Category(3), res.Category)
	assert.True(t, res.IsFallback())
}

func TestClassifyUnreachableFallsBack(t *testing.T) {
	srv := httptest.NewServer(replyWith("1"))
	url := srv.URL
	srv.Close()

	res := newTestClassifier(t, url).Classify(context.Background(), "body")

	assert.Equal(t, model.Category(3), res.Category)
	assert.True(t, res.IsFallback())
}
