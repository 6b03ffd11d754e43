package store

import (
	"crypto/sha256"
	"encoding/json"
	"slices"
	"testing"

	"github.com/danmuck/nixwire/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

const (
	helloBase = "7rjj86a15146cq1d3qy068lml7n8ykzm-hello-2.12"
	drvBase   = "1s7lhq8g2bqqsbqbqydpbdm6nqrkj9mz-hello-2.12.drv"
)

func TestParseStorePath(t *testing.T) {
	testlog.Start(t)
	p, err := ParseStorePath(DefaultDir, DefaultDir+"/"+helloBase)
	require.NoError(t, err)
	require.Equal(t, "hello-2.12", p.Name())
	require.Equal(t, helloBase, p.String())
	require.Equal(t, "/nix/store/"+helloBase, p.Full("/nix/store/"))
	require.False(t, p.IsDerivation())
	require.True(t, MustParse(drvBase).IsDerivation())

	badPaths := []string{
		"/nix/store/short-name",
		"/other/" + helloBase,
		DefaultDir + "/" + helloBase + "/bin",
		DefaultDir + "/7rjj86a15146cq1d3qy068lml7n8ykzm-",
		DefaultDir + "/ejj86a15146cq1d3qy068lml7n8ykzm7-e-is-not-base32",
	}
	for _, s := range badPaths {
		_, err := ParseStorePath(DefaultDir, s)
		require.ErrorIs(t, err, ErrInvalidPath, s)
	}
	badNames := []string{
		DefaultDir + "/7rjj86a15146cq1d3qy068lml7n8ykzm-.hidden",
		DefaultDir + "/7rjj86a15146cq1d3qy068lml7n8ykzm-sp ace",
	}
	for _, s := range badNames {
		_, err := ParseStorePath(DefaultDir, s)
		require.ErrorIs(t, err, ErrInvalidName, s)
	}
}

func TestStorePathText(t *testing.T) {
	testlog.Start(t)
	in := struct {
		Path StorePath `json:"path"`
	}{Path: MustParse(helloBase)}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	require.JSONEq(t, `{"path":"`+helloBase+`"}`, string(b))

	var out struct {
		Path StorePath `json:"path"`
	}
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, in.Path, out.Path)
}

func TestDerivedPathFormat(t *testing.T) {
	testlog.Start(t)
	drv := MustParse(drvBase)
	cases := []struct {
		path DerivedPath
		text string
	}{
		{Opaque(MustParse(helloBase)), "/nix/store/" + helloBase},
		{BuiltOutputs(drv, AllOutputs()), "/nix/store/" + drvBase + "!*"},
		{BuiltOutputs(drv, Outputs("out", "dev")), "/nix/store/" + drvBase + "!out,dev"},
		{BuiltPath(BuiltSingle(OpaqueSingle(drv), "out"), Outputs("lib")), "/nix/store/" + drvBase + "!out!lib"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.text, tc.path.Format(DefaultDir))
		parsed, err := ParseDerivedPath(DefaultDir, tc.text)
		require.NoError(t, err)
		require.True(t, tc.path.Equal(parsed), tc.text)
	}

	for _, s := range []string{"/nix/store/" + drvBase + "!", "/nix/store/" + drvBase + "!out,,dev"} {
		_, err := ParseDerivedPath(DefaultDir, s)
		require.ErrorIs(t, err, ErrInvalidDerived, s)
	}
}

func TestNarHashForms(t *testing.T) {
	testlog.Start(t)
	sum := NarHash(sha256.Sum256([]byte("x")))
	bare, err := ParseNarHash(sum.Hex())
	require.NoError(t, err)
	prefixed, err := ParseNarHash(sum.String())
	require.NoError(t, err)
	require.Equal(t, sum, bare)
	require.Equal(t, sum, prefixed)

	_, err = ParseNarHash("abc")
	require.ErrorIs(t, err, ErrInvalidHash)
}

func TestRealisationJSON(t *testing.T) {
	testlog.Start(t)
	r := Realisation{
		ID:      DrvOutput{DrvHash: "sha256:abcd", OutputName: "out"},
		OutPath: MustParse(helloBase),
	}
	text := r.JSON()
	require.JSONEq(t, `{"id":"sha256:abcd!out","outPath":"`+helloBase+`","signatures":[],"dependentRealisations":{}}`, text)

	back, err := ParseRealisation(text)
	require.NoError(t, err)
	require.Equal(t, r.ID, back.ID)
	require.Equal(t, r.OutPath, back.OutPath)

	_, err = ParseDrvOutput("no-separator")
	require.ErrorIs(t, err, ErrInvalidDerived)
}

func TestContentAddressedPaths(t *testing.T) {
	testlog.Start(t)
	sum := sha256.Sum256([]byte("contents"))
	a, err := MakeContentAddressed(DefaultDir, IngestRecursive, sum, "src", nil)
	require.NoError(t, err)
	b, err := MakeContentAddressed(DefaultDir, IngestRecursive, sum, "src", nil)
	require.NoError(t, err)
	require.Equal(t, a, b)

	withRef, err := MakeContentAddressed(DefaultDir, IngestRecursive, sum, "src", []StorePath{MustParse(helloBase)})
	require.NoError(t, err)
	require.NotEqual(t, a, withRef)

	otherDir, err := MakeContentAddressed("/gnu/store", IngestRecursive, sum, "src", nil)
	require.NoError(t, err)
	require.NotEqual(t, a, otherDir)

	text, err := MakeContentAddressed(DefaultDir, IngestText, sum, "src", nil)
	require.NoError(t, err)
	require.NotEqual(t, a, text)

	_, err = MakeContentAddressed(DefaultDir, IngestFlat, sum, "src", []StorePath{MustParse(helloBase)})
	require.ErrorIs(t, err, ErrInvalidPath)

	refs := []StorePath{MustParse(helloBase), MustParse(drvBase)}
	x, err := MakeContentAddressed(DefaultDir, IngestText, sum, "t", refs)
	require.NoError(t, err)
	reversed := slices.Clone(refs)
	slices.Reverse(reversed)
	y, err := MakeContentAddressed(DefaultDir, IngestText, sum, "t", reversed)
	require.NoError(t, err)
	require.Equal(t, x, y)
}

func TestParseIngestion(t *testing.T) {
	testlog.Start(t)
	for _, m := range []IngestionMethod{IngestText, IngestFlat, IngestRecursive} {
		got, err := ParseIngestion(m.String())
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
	_, err := ParseIngestion("fixed:r:md5")
	require.ErrorIs(t, err, ErrNotSupported)
	_, err = ParseIngestion("bogus")
	require.ErrorIs(t, err, ErrInvalidHash)
}

func TestBuildStatusSuccess(t *testing.T) {
	testlog.Start(t)
	ok := 0
	for _, s := range BuildStatuses {
		if s.Success() {
			ok++
		}
	}
	require.Equal(t, 4, ok)
	require.Len(t, BuildStatuses, 15)
	require.Equal(t, "not-trusted", NotTrusted.String())
}
