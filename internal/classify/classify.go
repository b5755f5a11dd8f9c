package classify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrNoLabel is returned when every provider failed for a paper.
var ErrNoLabel = errors.New("no provider produced a label")

// Paper is the classifier input.
type Paper struct {
	Title    string
	Abstract string
}

// Provider asks one model for a raw answer to prompt.
type Provider interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}

// Classifier labels one paper.
type Classifier interface {
	Classify(ctx context.Context, p Paper) (string, error)
}

// ProviderError reports which providers failed and why.
type ProviderError struct {
	Primary   error
	Secondary error
}

func (e *ProviderError) Error() string {
	if e.Secondary == nil {
		return fmt.Sprintf("classify: primary: %v; secondary not attempted", e.Primary)
	}
	return fmt.Sprintf("classify: primary: %v; secondary: %v", e.Primary, e.Secondary)
}

// Unwrap exposes ErrNoLabel and the causes that are set.
func (e *ProviderError) Unwrap() []error {
	errs := []error{ErrNoLabel, e.Primary}
	if e.Secondary != nil {
		errs = append(errs, e.Secondary)
	}
	return errs
}

// Fallback tries Primary first. A Primary timeout or permanent failure
// hands the paper to Secondary; a transient Primary failure such as a
// throttled or 5xx response comes back as a *ProviderError without asking
// Secondary. Answers outside the label set become Unknown and are not
// treated as failures.
type Fallback struct {
	Primary   Provider
	Secondary Provider
	Labels    Labels
	// Timeout bounds each provider call. Zero means no extra bound.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Classify implements Classifier.
func (f *Fallback) Classify(ctx context.Context, p Paper) (string, error) {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	prompt := f.Labels.Prompt(p)

	var primaryErr error
	if f.Primary != nil {
		answer, err := f.call(ctx, f.Primary, prompt)
		if err == nil {
			return f.Labels.Match(answer), nil
		}
		primaryErr = err
		if ctx.Err() == nil && !fallsBack(err) {
			logger.Warn("primary classifier failed transiently",
				zap.String("provider", f.Primary.Name()),
				zap.String("title", p.Title),
				zap.Error(err),
			)
			return "", &ProviderError{Primary: err}
		}
		logger.Warn("primary classifier failed, switching",
			zap.String("provider", f.Primary.Name()),
			zap.String("title", p.Title),
			zap.Error(err),
		)
	} else {
		primaryErr = errors.New("not configured")
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("classify: %w", ctx.Err())
	}

	if f.Secondary == nil {
		return "", &ProviderError{Primary: primaryErr, Secondary: errors.New("not configured")}
	}
	answer, err := f.call(ctx, f.Secondary, prompt)
	if err != nil {
		return "", &ProviderError{Primary: primaryErr, Secondary: err}
	}
	return f.Labels.Match(answer), nil
}

func (f *Fallback) call(ctx context.Context, p Provider, prompt string) (string, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	answer, err := p.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("%s: %w", p.Name(), err)
	}
	return answer, nil
}
