package captcha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "https://api.example.com"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = NewClient(Config{APIKey: "key"})
	assert.ErrorIs(t, err, ErrMissingEndpoint)

	_, err = NewClient(Config{APIKey: "key", Endpoint: "api.example.com"})
	assert.Error(t, err)

	c, err := NewClient(Config{APIKey: "key", Endpoint: "https://api.example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", c.Endpoint())
}

func TestSanitizeHeader(t *testing.T) {
	assert.Equal(t, "key-123", SanitizeHeader("key-123"))
	assert.Equal(t, "key-", SanitizeHeader("key-키값"))
	assert.Equal(t, "", SanitizeHeader("토큰"))
}

func TestProblem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, ProblemPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "key-", r.Header.Get("X-Api-Key"))

		json.NewEncoder(w).Encode(Problem{
			ClientToken: "tok-abc",
			ImageURL:    "https://cdn.example.com/p.png",
			Prompt:      "What animal is hidden?",
			Options:     []string{"cat", "dog", "owl", "fox"},
		})
	}))
	defer srv.Close()

	c, err := NewClient(Config{APIKey: "key-키", Endpoint: srv.URL})
	require.NoError(t, err)

	p, err := c.Problem(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", p.ClientToken)
	assert.Equal(t, []string{"cat", "dog", "owl", "fox"}, p.Options)
}

func TestProblemErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") == "expired" {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"message":"api key expired"}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := NewClient(Config{APIKey: "expired", Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = c.Problem(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "api key expired", apiErr.Message)

	c, err = NewClient(Config{APIKey: "other", Endpoint: srv.URL})
	require.NoError(t, err)
	_, err = c.Problem(context.Background())
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "HTTP 502: Bad Gateway", apiErr.Message)
}

func TestVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, VerifyPath, r.URL.Path)
		assert.Equal(t, "tok-abc", r.Header.Get("X-Client-Token"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		result := "fail"
		if body["answer"] == "cat" {
			result = "success"
		}
		json.NewEncoder(w).Encode(map[string]string{"result": result, "message": "checked"})
	}))
	defer srv.Close()

	c, err := NewClient(Config{APIKey: "key", Endpoint: srv.URL})
	require.NoError(t, err)

	v, err := c.Verify(context.Background(), "tok-abc", "cat")
	require.NoError(t, err)
	assert.True(t, v.Success)
	assert.Equal(t, "cat", v.SelectedAnswer)
	assert.Equal(t, "checked", v.Message)
	assert.Positive(t, v.ProcessingTime)
	assert.False(t, v.Timestamp.IsZero())

	v, err = c.Verify(context.Background(), "tok-abc", "dog")
	require.NoError(t, err)
	assert.False(t, v.Success)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, HealthPath, r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(Config{APIKey: "good", Endpoint: srv.URL})
	require.NoError(t, err)
	assert.NoError(t, c.Health(context.Background()))

	c, err = NewClient(Config{APIKey: "bad", Endpoint: srv.URL})
	require.NoError(t, err)
	assert.Error(t, c.Health(context.Background()))
}
