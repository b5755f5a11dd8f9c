package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aktagon/llmkit/anthropic/types"
	llmerrors "github.com/aktagon/llmkit/errors"
	googletypes "github.com/aktagon/llmkit/google/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/paper-harvester/internal/csvfile"
	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

type fakeProvider struct {
	name   string
	answer string
	err    error
	delay  time.Duration
	calls  atomic.Int64
	prompt atomic.Value
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, prompt string) (string, error) {
	f.calls.Add(1)
	f.prompt.Store(prompt)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.answer, f.err
}

func TestLabelsMatch(t *testing.T) {
	t.Parallel()

	l := NewLabels(nil)
	cases := map[string]string{
		"Computer Vision":                "Computer Vision",
		"  computer vision\n":            "Computer Vision",
		`"Optimization".`:                "Optimization",
		"NATURAL LANGUAGE PROCESSING":    "Natural Language Processing",
		"Graph Learning":                 Unknown,
		"Deep Learning and Optimization": Unknown,
		"":                               Unknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, l.Match(in), "answer %q", in)
	}
}

func TestPromptListsLabels(t *testing.T) {
	t.Parallel()

	l := NewLabels([]string{"A", "B"})
	prompt := l.Prompt(Paper{Title: "T", Abstract: "Abs"})
	assert.Contains(t, prompt, "categories: A, B.")
	assert.Contains(t, prompt, "Title: T")
	assert.Contains(t, prompt, "Abstract: Abs")
	assert.Equal(t, []string{"A", "B"}, l.Names())
}

func TestFallbackUsesPrimaryFirst(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "p", answer: "deep learning"}
	secondary := &fakeProvider{name: "s", answer: "Optimization"}
	f := &Fallback{Primary: primary, Secondary: secondary, Labels: NewLabels(nil)}

	label, err := f.Classify(context.Background(), Paper{Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Deep Learning", label)
	assert.Zero(t, secondary.calls.Load())
}

func TestFallbackSwitchesOnError(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "p", err: errors.New("quota exceeded")}
	secondary := &fakeProvider{name: "s", answer: "Optimization"}
	f := &Fallback{Primary: primary, Secondary: secondary, Labels: NewLabels(nil)}

	label, err := f.Classify(context.Background(), Paper{Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Optimization", label)
	assert.Equal(t, int64(1), secondary.calls.Load())
}

func TestFallbackSwitchesOnTimeout(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "p", answer: "Optimization", delay: time.Second}
	secondary := &fakeProvider{name: "s", answer: "Computer Vision"}
	f := &Fallback{Primary: primary, Secondary: secondary, Labels: NewLabels(nil), Timeout: 20 * time.Millisecond}

	label, err := f.Classify(context.Background(), Paper{Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Computer Vision", label)
}

func TestFallbackSwitchesOnPermanentFailure(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "p", err: fmt.Errorf("status 401: %w", harvest.ErrPermanent)}
	secondary := &fakeProvider{name: "s", answer: "Optimization"}
	f := &Fallback{Primary: primary, Secondary: secondary, Labels: NewLabels(nil)}

	label, err := f.Classify(context.Background(), Paper{Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Optimization", label)
	assert.Equal(t, int64(1), secondary.calls.Load())
}

func TestFallbackPropagatesTransientFailure(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "p", err: fmt.Errorf("status 503: %w", harvest.ErrTransient)}
	secondary := &fakeProvider{name: "s", answer: "Optimization"}
	f := &Fallback{Primary: primary, Secondary: secondary, Labels: NewLabels(nil)}

	_, err := f.Classify(context.Background(), Paper{Title: "x"})
	require.ErrorIs(t, err, ErrNoLabel)
	require.ErrorIs(t, err, harvest.ErrTransient)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Nil(t, perr.Secondary)
	assert.Contains(t, err.Error(), "secondary not attempted")
	assert.Zero(t, secondary.calls.Load())
}

func TestFallbackTreatsClientTimeoutAsTimeout(t *testing.T) {
	t.Parallel()

	timeout := &url.Error{Op: "Post", URL: "https://llm.example", Err: context.DeadlineExceeded}
	primary := &fakeProvider{name: "p", err: fmt.Errorf("send: %w: %w", harvest.ErrTransient, timeout)}
	secondary := &fakeProvider{name: "s", answer: "Computer Vision"}
	f := &Fallback{Primary: primary, Secondary: secondary, Labels: NewLabels(nil)}

	label, err := f.Classify(context.Background(), Paper{Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, "Computer Vision", label)
}

func TestLLMErrorKinds(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err  error
		kind error
	}{
		"throttled":    {err: &llmerrors.APIError{Provider: "Google", StatusCode: 429}, kind: harvest.ErrTransient},
		"server error": {err: &llmerrors.APIError{Provider: "Google", StatusCode: 500}, kind: harvest.ErrTransient},
		"bad request":  {err: &llmerrors.APIError{Provider: "Google", StatusCode: 400}, kind: harvest.ErrPermanent},
		"network":      {err: &llmerrors.RequestError{Operation: "sending request", Err: errors.New("reset")}, kind: harvest.ErrTransient},
		"parse":        {err: &llmerrors.RequestError{Operation: "parsing response", Err: errors.New("eof")}, kind: harvest.ErrPermanent},
		"validation":   {err: &llmerrors.ValidationError{Field: "apiKey"}, kind: harvest.ErrPermanent},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := llmError("gemini", fmt.Errorf("calling Google API: %w", tc.err))
			assert.ErrorIs(t, err, tc.kind)
			assert.ErrorIs(t, err, tc.err)
			assert.Contains(t, err.Error(), "gemini request")
		})
	}
}

func TestFallbackUnknownIsNotAFailure(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "p", answer: "Quantum Biology"}
	secondary := &fakeProvider{name: "s", answer: "Optimization"}
	f := &Fallback{Primary: primary, Secondary: secondary, Labels: NewLabels(nil)}

	label, err := f.Classify(context.Background(), Paper{})
	require.NoError(t, err)
	assert.Equal(t, Unknown, label)
	assert.Zero(t, secondary.calls.Load())
}

func TestFallbackBothFail(t *testing.T) {
	t.Parallel()

	f := &Fallback{
		Primary:   &fakeProvider{name: "p", err: errors.New("down")},
		Secondary: &fakeProvider{name: "s", err: errors.New("also down")},
		Labels:    NewLabels(nil),
	}
	_, err := f.Classify(context.Background(), Paper{})
	require.ErrorIs(t, err, ErrNoLabel)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Primary.Error(), "down")
	assert.Contains(t, perr.Secondary.Error(), "also down")
}

func TestFallbackWithoutPrimary(t *testing.T) {
	t.Parallel()

	f := &Fallback{Secondary: &fakeProvider{name: "s", answer: "Optimization"}, Labels: NewLabels(nil)}
	label, err := f.Classify(context.Background(), Paper{})
	require.NoError(t, err)
	assert.Equal(t, "Optimization", label)
}

func TestAnthropicComplete(t *testing.T) {
	t.Parallel()

	a, err := NewAnthropic("key", "claude-test", 0)
	require.NoError(t, err)
	var got types.RequestSettings
	a.prompt = func(system, user string, settings types.RequestSettings) (string, error) {
		got = settings
		assert.Contains(t, system, "category name only")
		assert.Equal(t, "classify me", user)
		return "Computer Vision", nil
	}
	answer, err := a.Complete(context.Background(), "classify me")
	require.NoError(t, err)
	assert.Equal(t, "Computer Vision", answer)
	assert.Equal(t, "claude-test", got.Model)
	assert.Equal(t, 32, got.MaxTokens)

	_, err = NewAnthropic("", "m", 0)
	require.Error(t, err)

	a, err = NewAnthropic("key", "", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultAnthropicModel, a.settings.Model)
}

func TestAnthropicCompleteHonorsContext(t *testing.T) {
	t.Parallel()

	a, err := NewAnthropic("key", "m", 8)
	require.NoError(t, err)
	release := make(chan struct{})
	defer close(release)
	a.prompt = func(string, string, types.RequestSettings) (string, error) {
		<-release
		return "late", nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Complete(ctx, "p")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGeminiComplete(t *testing.T) {
	t.Parallel()

	g, err := NewGemini("key", "", 16)
	require.NoError(t, err)
	assert.Equal(t, "gemini", g.Name())
	var got googletypes.RequestSettings
	g.prompt = func(system, user string, settings googletypes.RequestSettings) (string, error) {
		got = settings
		assert.Contains(t, system, "category name only")
		assert.Equal(t, "classify me", user)
		return "Optimization", nil
	}
	answer, err := g.Complete(context.Background(), "classify me")
	require.NoError(t, err)
	assert.Equal(t, "Optimization", answer)
	assert.Equal(t, googletypes.Model, got.Model)
	assert.Equal(t, 16, got.MaxTokens)

	_, err = NewGemini("", "m", 0)
	require.Error(t, err)
}

func TestGeminiText(t *testing.T) {
	t.Parallel()

	var resp googletypes.GoogleResponse
	require.NoError(t, json.Unmarshal([]byte(
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Computer "},{"text":"Vision"}]},"finishReason":"STOP"}]}`),
		&resp))
	text, err := geminiText(&resp)
	require.NoError(t, err)
	assert.Equal(t, "Computer Vision", text)

	_, err = geminiText(&googletypes.GoogleResponse{})
	require.Error(t, err)

	var blocked googletypes.GoogleResponse
	require.NoError(t, json.Unmarshal([]byte(`{"candidates":[{"content":{"parts":[]},"finishReason":"SAFETY"}]}`), &blocked))
	_, err = geminiText(&blocked)
	require.ErrorContains(t, err, "SAFETY")
}

func TestGeminiCompleteHonorsContext(t *testing.T) {
	t.Parallel()

	g, err := NewGemini("key", "gemini-test", 0)
	require.NoError(t, err)
	release := make(chan struct{})
	defer close(release)
	g.prompt = func(string, string, googletypes.RequestSettings) (string, error) {
		<-release
		return "late", nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Complete(ctx, "p")
	require.ErrorIs(t, err, context.Canceled)
}

func TestOpenRouterComplete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "openai/gpt-4-turbo", req.Model)
		if assert.Len(t, req.Messages, 1) {
			assert.Equal(t, "user", req.Messages[0].Role)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" Optimization "}}]}`))
	}))
	defer srv.Close()

	o, err := NewOpenRouter(srv.URL, "openai/gpt-4-turbo", "secret", srv.Client())
	require.NoError(t, err)
	answer, err := o.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "Optimization", NewLabels(nil).Match(answer))
}

func TestOpenRouterErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		status int
		body   string
		want   string
		kind   error
	}{
		"throttled":    {status: http.StatusTooManyRequests, body: `{"error":{"message":"slow down"}}`, want: "status 429", kind: harvest.ErrTransient},
		"server error": {status: http.StatusBadGateway, body: `upstream`, want: "status 502", kind: harvest.ErrTransient},
		"unauthorized": {status: http.StatusUnauthorized, body: `no key`, want: "status 401", kind: harvest.ErrPermanent},
		"api error":    {status: http.StatusOK, body: `{"error":{"message":"bad model"}}`, want: "bad model", kind: harvest.ErrPermanent},
		"no choices":   {status: http.StatusOK, body: `{"choices":[]}`, want: "no choices", kind: harvest.ErrPermanent},
		"garbage":      {status: http.StatusOK, body: `<html>`, want: "decode response", kind: harvest.ErrPermanent},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			o, err := NewOpenRouter(srv.URL, "m", "k", srv.Client())
			require.NoError(t, err)
			_, err = o.Complete(context.Background(), "p")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			assert.ErrorIs(t, err, tc.kind)
		})
	}

	_, err := NewOpenRouter("", "", "k", nil)
	require.Error(t, err)
	_, err = NewOpenRouter("", "m", "", nil)
	require.Error(t, err)
}

func writeLedger(t *testing.T, dir string, rows ...string) string {
	t.Helper()
	path := filepath.Join(dir, "extracted_papers.csv")
	content := "Title,Abstract,Year,File\n" + strings.Join(rows, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

type scriptedClassifier struct {
	labels map[string]string
	fail   map[string]bool
	calls  []string
}

func (s *scriptedClassifier) Classify(_ context.Context, p Paper) (string, error) {
	s.calls = append(s.calls, p.Title)
	if s.fail[p.Title] {
		return "", &ProviderError{Primary: errors.New("x"), Secondary: errors.New("y")}
	}
	return s.labels[p.Title], nil
}

func TestAnnotatorResumes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := writeLedger(t, dir,
		`Paper A,"An abstract, with a comma",2021,a.pdf`,
		`Paper B,Abstract not found,2022,b.pdf`,
		`Paper C,Short,2022,c.pdf`,
	)
	out := filepath.Join(dir, "annotated_papers.csv")

	c := &scriptedClassifier{
		labels: map[string]string{"Paper A": "Computer Vision", "Paper B": Unknown, "Paper C": "Optimization"},
		fail:   map[string]bool{"Paper C": true},
	}
	stats, err := NewAnnotator(c, nil).Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Labeled: 2, Unknown: 1, Failed: 1}, stats)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t,
		"Title,Abstract,Year,File,Category\n"+
			"Paper A,\"An abstract, with a comma\",2021,a.pdf,Computer Vision\n"+
			"Paper B,Abstract not found,2022,b.pdf,Unknown\n",
		string(data))

	// Second run only retries the failed paper.
	c.fail = nil
	c.calls = nil
	stats, err = NewAnnotator(c, nil).Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, []string{"Paper C"}, c.calls)
	assert.Equal(t, 2, stats.Skipped)
	assert.Equal(t, 1, stats.Labeled)
}

func TestAnnotatorTruncatesTornOutput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := writeLedger(t, dir, `Paper A,abs,2021,a.pdf`, `Paper B,abs,2021,b.pdf`)
	out := filepath.Join(dir, "annotated_papers.csv")
	require.NoError(t, os.WriteFile(out, []byte(
		"Title,Abstract,Year,File,Category\nPaper A,abs,2021,a.pdf,Optimization\nPaper B,\"ab"), 0o600))

	c := &scriptedClassifier{labels: map[string]string{"Paper B": "Computer Vision"}}
	_, err := NewAnnotator(c, nil).Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, []string{"Paper B"}, c.calls)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t,
		"Title,Abstract,Year,File,Category\n"+
			"Paper A,abs,2021,a.pdf,Optimization\n"+
			"Paper B,abs,2021,b.pdf,Computer Vision\n",
		string(data))
}

func TestAnnotatorRelabelsRowWithoutNewline(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := writeLedger(t, dir, `T1,A1,2020,a.pdf`, `T2,A2,2021,b.pdf`)
	out := filepath.Join(dir, "annotated_papers.csv")
	require.NoError(t, os.WriteFile(out, []byte(
		"Title,Abstract,Year,File,Category\nT1,A1,2020,a.pdf,Deep Lea"), 0o600))

	c := &scriptedClassifier{labels: map[string]string{"T1": "Deep Learning", "T2": "Optimization"}}
	stats, err := NewAnnotator(c, nil).Run(context.Background(), in, out)
	require.NoError(t, err)
	assert.Equal(t, []string{"T1", "T2"}, c.calls)
	assert.Zero(t, stats.Skipped)
	assert.Equal(t, 2, stats.Labeled)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t,
		"Title,Abstract,Year,File,Category\n"+
			"T1,A1,2020,a.pdf,Deep Learning\n"+
			"T2,A2,2021,b.pdf,Optimization\n",
		string(data))
}

func TestAnnotatorRejectsCorruptMiddleRow(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := writeLedger(t, dir, `T1,A1,2020,a.pdf`)
	out := filepath.Join(dir, "annotated_papers.csv")
	original := "Title,Abstract,Year,File,Category\n" +
		"T0,A0,2019,z.pdf,Optimization,extra\n" +
		"T1,A1,2020,a.pdf,Deep Learning\n"
	require.NoError(t, os.WriteFile(out, []byte(original), 0o600))

	c := &scriptedClassifier{}
	_, err := NewAnnotator(c, nil).Run(context.Background(), in, out)
	require.ErrorIs(t, err, csvfile.ErrCorrupt)
	assert.Empty(t, c.calls)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, original, string(data))
}

func TestAnnotatorRejectsBadInput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "in.csv")
	require.NoError(t, os.WriteFile(in, []byte("Name,File\nx,y\n"), 0o600))
	_, err := NewAnnotator(&scriptedClassifier{}, nil).Run(context.Background(), in, filepath.Join(dir, "out.csv"))
	require.Error(t, err)

	_, err = NewAnnotator(&scriptedClassifier{}, nil).Run(context.Background(), filepath.Join(dir, "missing.csv"), filepath.Join(dir, "out.csv"))
	require.Error(t, err)
}
