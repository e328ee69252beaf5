package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignAndVerify(t *testing.T) {
	body := []byte(`{"kind":"order.created"}`)
	sig := Sign(body, "s3cret")

	assert.True(t, Verify(body, sig, "s3cret"))
	assert.True(t, Verify(body, sig[len(Prefix):], "s3cret"))
	assert.False(t, Verify(body, sig, "other"))
	assert.False(t, Verify([]byte(`{"kind":"order.updated"}`), sig, "s3cret"))
	assert.False(t, Verify(body, "", "s3cret"))
	assert.False(t, Verify(body, sig, ""))
}
