package corelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHelperChaining(t *testing.T) {
	h := New("proteus", "Encrypt")
	h.WithField("session_id", "alice_device1").
		WithFields(map[string]interface{}{"note": "test"}).
		Entry("starting")
	h.Info("seal complete")
	h.Exit()
	// Nothing panicked and fields accumulate; assert the package/function
	// seed fields survive chaining.
	assert.Equal(t, "proteus", h.pkg)
	assert.Equal(t, "Encrypt", h.function)
}

func TestWithErrorAnnotates(t *testing.T) {
	h := New("keystore", "Find")
	h.WithError(assert.AnError, "decryption_failure", "sealer.open")
	assert.Equal(t, assert.AnError.Error(), h.fields["error"])
	assert.Equal(t, "decryption_failure", h.fields["error_type"])
}

func TestWithErrorNilLeavesNoErrorField(t *testing.T) {
	h := New("keystore", "Find")
	h.WithError(nil, "n/a", "op")
	_, ok := h.fields["error"]
	assert.False(t, ok)
}

func TestSecretPreviewShortAndLong(t *testing.T) {
	short := SecretPreview([]byte{1, 2, 3}, "seed")
	assert.Equal(t, "010203", short["seed_preview"])
	assert.Equal(t, 3, short["seed_size"])

	long := SecretPreview([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, "key")
	assert.Equal(t, "0102030405060708...", long["key_preview"])
	assert.Equal(t, 10, long["key_size"])
}

func TestSecretPreviewEmpty(t *testing.T) {
	fields := SecretPreview(nil, "key")
	assert.Equal(t, "nil", fields["key_preview"])
}

func TestOperationFieldsMergesExtras(t *testing.T) {
	fields := OperationFields("Save", "ok", map[string]interface{}{"rows": 1})
	assert.Equal(t, "Save", fields["operation"])
	assert.Equal(t, "ok", fields["status"])
	assert.Equal(t, 1, fields["rows"])
}
