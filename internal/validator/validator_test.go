package validator

import (
	"errors"
	"strings"
	"testing"

	"github.com/gin-gonic/gin/binding"
	"github.com/stemsi/exstem-seb/internal/model"
	"github.com/stretchr/testify/require"
)

func TestEntryTokenTag(t *testing.T) {
	Setup()

	valid := strings.Repeat("aZ0_-", 8) + "abc"
	require.Len(t, valid, 43)
	require.NoError(t, binding.Validator.ValidateStruct(&model.ClaimTokenRequest{Token: valid}))

	for _, bad := range []string{"", "short", valid + "x", strings.Repeat("+", 43)} {
		err := binding.Validator.ValidateStruct(&model.ClaimTokenRequest{Token: bad})
		require.Error(t, err, "token %q", bad)
	}
}

func TestTranslateErrors(t *testing.T) {
	Setup()

	err := binding.Validator.ValidateStruct(&model.ClaimTokenRequest{Token: "nope"})
	fields := TranslateErrors(err)
	require.Equal(t, "token must be a valid entry token", fields["token"])

	err = binding.Validator.ValidateStruct(&model.StudentLoginRequest{NISN: "12"})
	fields = TranslateErrors(err)
	require.Contains(t, fields, "nisn")
	require.Contains(t, fields, "password")

	fields = TranslateErrors(errors.New("unexpected EOF"))
	require.Equal(t, map[string]string{"detail": "unexpected EOF"}, fields)
}
