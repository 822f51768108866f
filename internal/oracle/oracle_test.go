package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		answer string
		want   Verdict
	}{
		{"1", Link{Index: 0}},
		{" 2. ", Link{Index: 1}},
		{"#3", Link{Index: 2}},
		{"Candidate 2", Link{Index: 1}},
		{"NEW", CreateNew{}},
		{"none", CreateNew{}},
		{"create_new", CreateNew{}},
		{"0", CreateNew{}},
		{"4", Unparseable{Raw: "4"}},
		{"maybe 1", Unparseable{Raw: "maybe 1"}},
		{"", Unparseable{Raw: ""}},
		{"-1", Unparseable{Raw: "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseVerdict(tt.answer, 3))
		})
	}
}

func TestUnparseable_IsUndecided(t *testing.T) {
	err := Unparseable{Raw: "hmm"}.Err()
	assert.True(t, IsUndecided(err))
	assert.False(t, IsUndecided(errors.New("other")))
}

func TestPrompt_NumbersCandidates(t *testing.T) {
	p := Prompt(Request{
		Subject:    "Alexander",
		EntityType: "person",
		Candidates: []Candidate{{Text: "Alexander the Great"}, {Text: "Alexander I", Sample: "tsar"}},
	})
	assert.Contains(t, p, "1. Alexander the Great\n")
	assert.Contains(t, p, "2. Alexander I (tsar)\n")
}

func TestBatcher_CallsPerItem(t *testing.T) {
	calls := 0
	b := Batcher{Oracle: Func(func(_ context.Context, r Request) (Verdict, error) {
		calls++
		if len(r.Candidates) == 0 {
			return CreateNew{}, nil
		}
		return Link{Index: 0}, nil
	})}
	out, err := b.VerifyBatch(context.Background(), []Request{{}, {Candidates: []Candidate{{Key: "k"}}}})
	require.NoError(t, err)
	assert.Equal(t, []Verdict{CreateNew{}, Link{Index: 0}}, out)
	assert.Equal(t, 2, calls)
}

func TestHTTPClient_Verify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body singleRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Louis", body.Request.Subject)
		_ = json.NewEncoder(w).Encode(singleResponse{Answer: "2"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "secret")
	v, err := c.Verify(context.Background(), Request{
		Subject:    "Louis",
		Candidates: []Candidate{{Key: "a"}, {Key: "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Link{Index: 1}, v)
}

func TestHTTPClient_Batch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/batch", r.URL.Path)
		_ = json.NewEncoder(w).Encode(batchResponse{Answers: []string{"NEW", "gibberish"}})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "")
	out, err := c.VerifyBatch(context.Background(), []Request{{}, {}})
	require.NoError(t, err)
	assert.Equal(t, CreateNew{}, out[0])
	assert.IsType(t, Unparseable{}, out[1])
}

func TestHTTPClient_StatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "").Verify(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("connection reset")))
	assert.True(t, IsRetryable(fmt.Errorf("call: %w", &StatusError{StatusCode: http.StatusTooManyRequests})))
	assert.False(t, IsRetryable(&StatusError{StatusCode: http.StatusUnauthorized}))
	assert.False(t, IsRetryable(fmt.Errorf("call: %w", &StatusError{StatusCode: http.StatusBadRequest})))
}

type otherVerdict struct{}

func (otherVerdict) verdict()       {}
func (otherVerdict) String() string { return "other" }

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		v      Verdict
		n      int
		usable bool
	}{
		{"link in range", Link{Index: 1}, 2, true},
		{"link past end", Link{Index: 7}, 2, false},
		{"negative link", Link{Index: -1}, 2, false},
		{"link with no candidates", Link{Index: 0}, 0, false},
		{"create new", CreateNew{}, 0, true},
		{"nil", nil, 3, false},
		{"foreign", otherVerdict{}, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Check(tt.v, tt.n)
			if tt.usable {
				assert.Equal(t, tt.v, got)
				return
			}
			assert.IsType(t, Unparseable{}, got)
		})
	}
}
