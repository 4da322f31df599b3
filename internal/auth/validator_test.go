package auth

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateStruct_LoginRequest(t *testing.T) {
	require.NoError(t, ValidateStruct(LoginRequest{Email: "a@x.com", Password: "p"}))

	err := ValidateStruct(LoginRequest{Email: "nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	fields := map[string]string{}
	for _, v := range verrs {
		fields[v.Field] = v.Message
	}
	assert.Equal(t, "Invalid email format", fields["email"])
	assert.Equal(t, "password is required", fields["password"])
}

func TestValidateStruct_ResetToken(t *testing.T) {
	tests := []struct {
		token string
		ok    bool
	}{
		{"0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", true},
		{"0123456789abcdef", false},
		{"zz23456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", false},
		{"", false},
	}
	for _, tt := range tests {
		err := ValidateStruct(ResetPasswordRequest{Token: tt.token, Password: "senha123"})
		assert.Equal(t, tt.ok, err == nil, "token %q: %v", tt.token, err)
	}
}

func TestValidationDetails(t *testing.T) {
	details := ValidationDetails(ValidationErrors{
		{Field: "password", Message: "a"},
		{Field: "password", Message: "b"},
		{Field: "email", Message: "c"},
	})
	assert.Equal(t, []string{"a", "b"}, details["password"])
	assert.Equal(t, []string{"c"}, details["email"])
}
