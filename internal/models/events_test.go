package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOTPCodeUnmarshal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want OTPCode
	}{
		{"string", `{"rideId":"r1","code":"4821"}`, "4821"},
		{"number", `{"rideId":"r1","code":4821}`, "4821"},
		{"padded string", `{"rideId":"r1","code":" 4821 "}`, "4821"},
		{"null", `{"rideId":"r1","code":null}`, ""},
		{"missing", `{"rideId":"r1"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var in SubmitOTP
			require.NoError(t, json.Unmarshal([]byte(tt.in), &in))
			assert.Equal(t, tt.want, in.Code)
		})
	}
}

func TestOTPCodeRejectsOtherTypes(t *testing.T) {
	for _, in := range []string{`{"code":true}`, `{"code":{"v":1}}`, `{"code":[1]}`} {
		var got SubmitOTP
		err := json.Unmarshal([]byte(in), &got)
		require.Error(t, err, in)
		assert.Contains(t, err.Error(), "otp must be a string or number")
	}
}
