package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/victornm/eduel/internal/errors"
)

func TestConvert(t *testing.T) {
	tests := map[string]struct {
		err  error
		want errors.Code
	}{
		"wrapped error keeps its code": {
			err:  fmt.Errorf("duel: submit: %w", errors.New(errors.CodeResourceExhausted)),
			want: errors.CodeResourceExhausted,
		},
		"grpc status keeps its code": {
			err:  status.Error(codes.Unavailable, "ledger down"),
			want: errors.CodeUnavailable,
		},
		"plain error becomes internal": {
			err:  stderrors.New("boom"),
			want: errors.CodeInternal,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, errors.Convert(tt.err).Code)
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, errors.IsRetryable(errors.New(errors.CodeUnavailable)))
	assert.True(t, errors.IsRetryable(stderrors.New("connection reset")))
	assert.False(t, errors.IsRetryable(errors.New(errors.CodeResourceExhausted)))
	assert.False(t, errors.IsRetryable(nil))
}

func TestError_HTTPStatusCode(t *testing.T) {
	e := errors.New(errors.CodeResourceExhausted, errors.WithMessagef("no skips left"))

	assert.Equal(t, http.StatusTooManyRequests, e.HTTPStatusCode())
	assert.Equal(t, codes.ResourceExhausted, e.GRPCStatus().Code())
	assert.True(t, errors.Is(fmt.Errorf("wrap: %w", e), errors.CodeResourceExhausted))
}
