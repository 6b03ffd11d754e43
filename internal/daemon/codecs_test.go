package daemon

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/danmuck/nixwire/internal/protocol/codec"
	"github.com/danmuck/nixwire/internal/protocol/wire"
	"github.com/danmuck/nixwire/internal/store"
	"github.com/danmuck/nixwire/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestPathInfoKeepsReferenceAndSignatureOrder(t *testing.T) {
	testlog.Start(t)
	hello := store.MustParse(helloBase)
	drv := store.MustParse(drvBase)
	zlib := store.MustParse("0c0iq3ah7bqq5acq6j7gplh8sv5k0x4m-zlib-1.3")

	cases := []struct {
		name string
		refs []store.StorePath
		sigs []string
	}{
		{"unsorted", []store.StorePath{hello, zlib, drv}, []string{"z:1", "a:2"}},
		{"duplicates", []store.StorePath{zlib, hello, zlib}, []string{"k:1", "k:1", "b:0"}},
		{"empty", []store.StorePath{}, []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := store.ValidPathInfo{Path: hello, Info: store.PathInfo{
				Deriver:    &drv,
				NarHash:    store.NarHash(sha256.Sum256([]byte(tc.name))),
				References: tc.refs,
				NarSize:    64,
				Signatures: tc.sigs,
			}}

			var buf bytes.Buffer
			w := wire.NewWriter(&buf)
			require.NoError(t, validPathInfoCodec.Write(w, in))
			require.NoError(t, w.Flush())
			raw := buf.Bytes()

			// The references appear on the wire in the order given.
			at := 0
			for _, ref := range tc.refs {
				full := []byte(ref.Full(store.DefaultDir))
				i := bytes.Index(raw[at:], full)
				require.GreaterOrEqual(t, i, 0, "reference %s out of order", ref)
				at += i + len(full)
			}

			back, err := codec.Decode(wire.NewReader(bytes.NewReader(raw), wire.DefaultLimits()), validPathInfoCodec)
			require.NoError(t, err)
			require.Equal(t, tc.refs, back.Info.References)
			require.Equal(t, tc.sigs, back.Info.Signatures)
		})
	}
}
