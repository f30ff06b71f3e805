package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/victornm/risingstars/internal/errors"
)

func TestConvert(t *testing.T) {
	cause := stderrors.New("boom")

	e := errors.Convert(fmt.Errorf("wrapped: %w", errors.New(errors.CodeAlreadyVoted, errors.WithCause(cause))))
	assert.Equal(t, errors.CodeAlreadyVoted, e.Code)
	assert.ErrorIs(t, e, cause)

	e = errors.Convert(cause)
	assert.Equal(t, errors.CodeInternal, e.Code)
	assert.ErrorIs(t, e, cause)
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("cast vote: %w", errors.New(errors.CodeAuth))

	assert.True(t, errors.Is(err, errors.CodeAuth))
	assert.False(t, errors.Is(err, errors.CodeNetwork))
	assert.False(t, errors.Is(stderrors.New("plain"), errors.CodeInternal))
}

func TestError_Status(t *testing.T) {
	tests := map[errors.Code]struct {
		http int
		grpc codes.Code
	}{
		errors.CodeValidation:   {http.StatusBadRequest, codes.InvalidArgument},
		errors.CodeAuth:         {http.StatusUnauthorized, codes.Unauthenticated},
		errors.CodeAlreadyVoted: {http.StatusConflict, codes.AlreadyExists},
		errors.CodeNotVotable:   {http.StatusUnprocessableEntity, codes.FailedPrecondition},
		errors.CodeConflict:     {http.StatusConflict, codes.Aborted},
		errors.CodeNetwork:      {http.StatusBadGateway, codes.Unavailable},
	}

	for code, want := range tests {
		t.Run(code.String(), func(t *testing.T) {
			e := errors.New(code, errors.WithMessagef("video %s", "v1"))
			assert.Equal(t, want.http, e.HTTPStatusCode())
			assert.Equal(t, want.grpc, status.Code(e))
			assert.Equal(t, "video v1", e.Message)
		})
	}
}
