package retain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trust-plc/strt/internal/retain"
	"github.com/trust-plc/strt/internal/value"
)

func sampleSnapshot() map[string]value.Value {
	return map[string]value.Value{
		"LATCHED": value.NewBool(true),
		"COUNTER": value.NewInt(value.KindDInt, -42),
		"LIMIT":   value.NewUint(value.KindUInt, 1000),
		"SETPOINT": value.NewReal(value.KindLReal, 3.5),
		"NAME":    value.NewString(value.KindString, "pump-1"),
		"MODE":    value.NewEnum("MODE_T", "AUTO", 2),
		"HISTORY": value.NewArray(
			[]value.Dim{{Lower: 0, Upper: 2}},
			[]value.Value{value.NewInt(value.KindInt, 1), value.NewInt(value.KindInt, 2), value.NewInt(value.KindInt, 3)},
		),
		"STATUS": value.NewStruct("STATUS_T", []value.Field{
			{Name: "OK", Value: value.NewBool(true)},
			{Name: "CODE", Value: value.NewInt(value.KindInt, 0)},
		}),
	}
}

// TestRetainIdempotence is R8: Encode sorts names before writing, so encoding
// the same snapshot twice, or re-encoding a decoded snapshot, reproduces
// byte-identical output.
func TestRetainIdempotence(t *testing.T) {
	snap := sampleSnapshot()

	b1, err := retain.Encode(snap)
	require.NoError(t, err)
	b2, err := retain.Encode(snap)
	require.NoError(t, err)
	assert.Equal(t, b1, b2, "encoding the same snapshot twice must be byte-identical")

	decoded, err := retain.Decode(b1)
	require.NoError(t, err)
	b3, err := retain.Encode(decoded)
	require.NoError(t, err)
	assert.Equal(t, b1, b3, "re-encoding a decoded snapshot must reproduce the original bytes")
}

func TestRetainDecodeRoundTripsValues(t *testing.T) {
	snap := sampleSnapshot()
	encoded, err := retain.Encode(snap)
	require.NoError(t, err)

	decoded, err := retain.Decode(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, len(snap))

	assert.Equal(t, true, decoded["LATCHED"].Bool)
	assert.Equal(t, int64(-42), decoded["COUNTER"].Int)
	assert.Equal(t, uint64(1000), decoded["LIMIT"].UInt)
	assert.InDelta(t, 3.5, decoded["SETPOINT"].Real, 1e-9)
	assert.Equal(t, "pump-1", decoded["NAME"].Str)
	assert.Equal(t, "AUTO", decoded["MODE"].Variant)
	assert.Equal(t, int64(2), decoded["MODE"].Int)
	require.Len(t, decoded["HISTORY"].Elements, 3)
	assert.Equal(t, int64(2), decoded["HISTORY"].Elements[1].Int)
	status := decoded["STATUS"]
	okField, ok := status.Field("OK")
	require.True(t, ok)
	assert.True(t, okField.Bool)
}

func TestRetainDecodeMissingFileIsEmptySnapshot(t *testing.T) {
	store := &retain.FileStore{Path: t.TempDir() + "/does-not-exist.strn"}
	snap, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, snap)
}

// TestRetainRejectsReferenceAndInstance is R2: encoding a snapshot
// containing a Reference or Instance value must fail rather than silently
// dropping or corrupting cross-object topology.
func TestRetainRejectsReferenceAndInstance(t *testing.T) {
	_, err := retain.Encode(map[string]value.Value{"R": value.NewReference(&value.Ref{})})
	assert.Error(t, err)

	_, err = retain.Encode(map[string]value.Value{"I": value.NewInstance(1)})
	assert.Error(t, err)
}

func TestRetainDecodeRejectsBadMagic(t *testing.T) {
	encoded, err := retain.Encode(sampleSnapshot())
	require.NoError(t, err)
	corrupt := append([]byte(nil), encoded...)
	corrupt[0] = 'X'

	_, err = retain.Decode(corrupt)
	assert.Error(t, err)
}

// spyStore counts Save calls to verify Manager.SaveSnapshot's
// skip-if-unchanged behavior.
type spyStore struct {
	saves int
	last  map[string]value.Value
}

func (s *spyStore) Load() (map[string]value.Value, error) { return map[string]value.Value{}, nil }
func (s *spyStore) Save(snapshot map[string]value.Value) error {
	s.saves++
	s.last = snapshot
	return nil
}

func TestManagerSkipsUnchangedSave(t *testing.T) {
	store := &spyStore{}
	mgr := &retain.Manager{}
	mgr.Configure(store, 0, true, 0)
	mgr.MarkDirty()

	snap := sampleSnapshot()
	require.True(t, mgr.ShouldSave(0))
	require.NoError(t, mgr.SaveSnapshot(snap, 0))
	assert.Equal(t, 1, store.saves, "first save of a new snapshot must call the store")

	mgr.MarkDirty()
	require.True(t, mgr.ShouldSave(1))
	require.NoError(t, mgr.SaveSnapshot(snap, 1))
	assert.Equal(t, 1, store.saves, "saving an unchanged snapshot again must be a no-op (R8)")

	snap["COUNTER"] = value.NewInt(value.KindDInt, 99)
	mgr.MarkDirty()
	require.NoError(t, mgr.SaveSnapshot(snap, 2))
	assert.Equal(t, 2, store.saves, "a changed snapshot must be saved")
}

func TestManagerShouldSaveRespectsInterval(t *testing.T) {
	store := &spyStore{}
	mgr := &retain.Manager{}
	mgr.Configure(store, 10*time.Second, true, 0)

	assert.False(t, mgr.ShouldSave(5*time.Second), "not dirty yet")
	mgr.MarkDirty()
	assert.False(t, mgr.ShouldSave(5*time.Second), "interval has not elapsed")
	assert.True(t, mgr.ShouldSave(10*time.Second), "interval has elapsed")
}

func TestManagerWithNoIntervalNeverSaves(t *testing.T) {
	mgr := &retain.Manager{}
	mgr.Configure(&spyStore{}, 0, false, 0)
	mgr.MarkDirty()
	assert.False(t, mgr.ShouldSave(1000), "hasInterval=false disables autosave entirely")
}
