package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConvergenceConcurrentInsert(t *testing.T) {
	eng := NewEngine()
	n1 := eng.Create("n1")
	n2 := eng.Create("n2")

	p1, err := eng.ApplyLocal(n1, Op{Kind: KindInsert, Position: 0, Content: "Hello "})
	require.NoError(t, err)
	p2, err := eng.ApplyLocal(n2, Op{Kind: KindInsert, Position: 0, Content: "Hi "})
	require.NoError(t, err)

	_, err = eng.ApplyRemote(n1, p2)
	require.NoError(t, err)
	_, err = eng.ApplyRemote(n2, p1)
	require.NoError(t, err)

	require.Equal(t, eng.CurrentText(n1), eng.CurrentText(n2))
}

func TestOverlappingDeletesConverge(t *testing.T) {
	eng := NewEngine()
	n1 := eng.Create("n1")
	n2 := eng.Create("n2")

	seed, err := eng.ApplyLocal(n1, Op{Kind: KindInsert, Position: 0, Content: "abcdef"})
	require.NoError(t, err)
	_, err = eng.ApplyRemote(n2, seed)
	require.NoError(t, err)
	require.Equal(t, "abcdef", eng.CurrentText(n2))

	d1, err := eng.ApplyLocal(n1, Op{Kind: KindDelete, Range: Range{Start: 1, End: 4}})
	require.NoError(t, err)
	require.Equal(t, "aef", eng.CurrentText(n1))

	d2, err := eng.ApplyLocal(n2, Op{Kind: KindDelete, Range: Range{Start: 3, End: 5}})
	require.NoError(t, err)
	require.Equal(t, "abcf", eng.CurrentText(n2))

	_, err = eng.ApplyRemote(n1, d2)
	require.NoError(t, err)
	_, err = eng.ApplyRemote(n2, d1)
	require.NoError(t, err)

	require.Equal(t, "af", eng.CurrentText(n1))
	require.Equal(t, eng.CurrentText(n1), eng.CurrentText(n2))
}

func TestApplyRemoteIsIdempotent(t *testing.T) {
	eng := NewEngine()
	n1 := eng.Create("n1")
	n2 := eng.Create("n2")

	p, err := eng.ApplyLocal(n1, Op{Kind: KindInsert, Position: 0, Content: "abc"})
	require.NoError(t, err)

	applied, err := eng.ApplyRemote(n2, p)
	require.NoError(t, err)
	require.True(t, applied)
	before := eng.CurrentText(n2)

	applied, err = eng.ApplyRemote(n2, p)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, before, eng.CurrentText(n2))
}

func TestApplyRemoteCommutesUnderReordering(t *testing.T) {
	eng := NewEngine()
	n1 := eng.Create("n1")

	var patches []*Patch
	for _, ch := range []string{"a", "b", "c"} {
		p, err := eng.ApplyLocal(n1, Op{Kind: KindInsert, Position: uint32(len(patches)), Content: ch})
		require.NoError(t, err)
		patches = append(patches, p)
	}

	forward := eng.Create("forward")
	for _, p := range patches {
		_, err := eng.ApplyRemote(forward, p)
		require.NoError(t, err)
	}

	reverse := eng.Create("reverse")
	for i := len(patches) - 1; i >= 0; i-- {
		_, err := eng.ApplyRemote(reverse, patches[i])
		require.NoError(t, err)
	}

	require.Equal(t, eng.CurrentText(n1), eng.CurrentText(forward))
	require.Equal(t, eng.CurrentText(forward), eng.CurrentText(reverse))
}

func TestExportImportRoundTrip(t *testing.T) {
	eng := NewEngine()
	n1 := eng.Create("n1")
	_, err := eng.ApplyLocal(n1, Op{Kind: KindInsert, Position: 0, Content: "hello world"})
	require.NoError(t, err)
	_, err = eng.ApplyLocal(n1, Op{Kind: KindDelete, Range: Range{Start: 0, End: 6}})
	require.NoError(t, err)
	require.Equal(t, "world", eng.CurrentText(n1))

	blob, err := eng.Export(n1)
	require.NoError(t, err)

	n3, err := eng.Import("n3", blob)
	require.NoError(t, err)
	require.Equal(t, "world", eng.CurrentText(n3))

	p, err := eng.ApplyLocal(n3, Op{Kind: KindInsert, Position: 5, Content: "!"})
	require.NoError(t, err)
	_, err = eng.ApplyRemote(n1, p)
	require.NoError(t, err)
	require.Equal(t, eng.CurrentText(n1), eng.CurrentText(n3))
}

func TestExportAfterRemoteDeleteOmitsNoTombstones(t *testing.T) {
	eng := NewEngine()
	n1 := eng.Create("n1")
	n2 := eng.Create("n2")

	seed, err := eng.ApplyLocal(n1, Op{Kind: KindInsert, Position: 0, Content: "hello world"})
	require.NoError(t, err)
	_, err = eng.ApplyRemote(n2, seed)
	require.NoError(t, err)
	require.Equal(t, "hello world", eng.CurrentText(n2))

	// n2 deletes locally and gossips the patch to n1: n1 only ever sees the
	// delete through ApplyRemote, never through LocalDelete.
	del, err := eng.ApplyLocal(n2, Op{Kind: KindDelete, Range: Range{Start: 0, End: 6}})
	require.NoError(t, err)
	require.Equal(t, "world", eng.CurrentText(n2))

	applied, err := eng.ApplyRemote(n1, del)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, "world", eng.CurrentText(n1))

	blob, err := eng.Export(n1)
	require.NoError(t, err)

	n3, err := eng.Import("n3", blob)
	require.NoError(t, err)
	require.Equal(t, eng.CurrentText(n1), eng.CurrentText(n3))
	require.Equal(t, "world", eng.CurrentText(n3))
}

func TestApplyLocalInvalidRange(t *testing.T) {
	eng := NewEngine()
	n1 := eng.Create("n1")
	_, err := eng.ApplyLocal(n1, Op{Kind: KindInsert, Position: 5, Content: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid_range")
}

func TestDecodeCorruptPatch(t *testing.T) {
	_, err := Decode([]byte{0xFF, '{', '}'})
	require.Error(t, err)
	require.Contains(t, err.Error(), "corrupt_patch")

	p := &Patch{DocumentID: "d", Ops: []RGAOp{{Kind: OpInsert}}}
	raw, err := Encode(p)
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, p.DocumentID, decoded.DocumentID)
}
