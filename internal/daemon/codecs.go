package daemon

import (
	"strings"
	"time"

	"github.com/danmuck/nixwire/internal/activity"
	"github.com/danmuck/nixwire/internal/protocol"
	"github.com/danmuck/nixwire/internal/protocol/codec"
	"github.com/danmuck/nixwire/internal/protocol/wire"
	"github.com/danmuck/nixwire/internal/store"
)

func parseStorePath(r *wire.Reader, s string) (store.StorePath, error) {
	return store.ParseStorePath(r.StoreDir(), s)
}

func formatStorePath(w *wire.Writer, p store.StorePath) string {
	return p.Full(w.StoreDir())
}

var (
	storePathCodec = codec.Parsed("StorePath", parseStorePath, formatStorePath)

	optStorePathCodec = codec.EmptyOptional(storePathCodec, parseStorePath, formatStorePath)

	storePathSetCodec = codec.Set(storePathCodec, store.ComparePaths)

	storePathListCodec = codec.List(storePathCodec)

	baseStorePathCodec = codec.Parsed("BaseStorePath",
		func(_ *wire.Reader, s string) (store.StorePath, error) { return store.ParseBaseName(s) },
		func(_ *wire.Writer, p store.StorePath) string { return p.String() },
	)

	derivedPathCodec = codec.Parsed("DerivedPath",
		func(r *wire.Reader, s string) (store.DerivedPath, error) { return store.ParseDerivedPath(r.StoreDir(), s) },
		func(w *wire.Writer, p store.DerivedPath) string { return p.Format(w.StoreDir()) },
	)

	derivedPathListCodec = codec.List(derivedPathCodec)

	stringListCodec = codec.List(codec.String)

	stringSetCodec = codec.Set(codec.String, strings.Compare)

	narHashCodec = codec.Parsed("NarHash",
		func(_ *wire.Reader, s string) (store.NarHash, error) { return store.ParseNarHash(s) },
		func(_ *wire.Writer, h store.NarHash) string { return h.Hex() },
	)
)

func verbosityTable() map[activity.Verbosity]uint64 {
	t := make(map[activity.Verbosity]uint64)
	for v := activity.VerbosityError; v <= activity.VerbosityVomit; v++ {
		t[v] = uint64(v)
	}
	return t
}

var (
	verbosityCodec = codec.Enum("Verbosity", verbosityTable())

	// Levels inside log frames are advisory; anything louder than the
	// known range is treated as the noisiest level.
	logLevelCodec = codec.EnumWithFallback("Verbosity", verbosityTable(), activity.VerbosityVomit)

	buildModeCodec = codec.Enum("BuildMode", map[store.BuildMode]uint64{
		store.BuildNormal: 0,
		store.BuildRepair: 1,
		store.BuildCheck:  2,
	})

	gcActionCodec = codec.Enum("GCAction", map[store.GCAction]uint64{
		store.GCReturnLive:     0,
		store.GCReturnDead:     1,
		store.GCDeleteDead:     2,
		store.GCDeleteSpecific: 3,
	})

	trustCodec = codec.EnumWithFallback("TrustLevel", map[store.TrustLevel]uint64{
		store.TrustUnknown: 0,
		store.Trusted:      1,
		store.NotTrusted:   2,
	}, store.TrustUnknown)
)

func buildStatusTable() map[store.BuildStatus]uint64 {
	t := make(map[store.BuildStatus]uint64, len(store.BuildStatuses))
	for _, s := range store.BuildStatuses {
		t[s] = uint64(s)
	}
	return t
}

var buildStatusCodec = codec.Enum("BuildStatus", buildStatusTable())

var pathInfoCodec = codec.Record("PathInfo",
	codec.Bind("deriver", optStorePathCodec, func(p *store.PathInfo) **store.StorePath { return &p.Deriver }),
	codec.Bind("narHash", narHashCodec, func(p *store.PathInfo) *store.NarHash { return &p.NarHash }),
	codec.Bind("references", storePathListCodec, func(p *store.PathInfo) *[]store.StorePath { return &p.References }),
	codec.Bind("registrationTime", codec.I64, func(p *store.PathInfo) *int64 { return &p.RegistrationTime }),
	codec.Bind("narSize", codec.U64, func(p *store.PathInfo) *uint64 { return &p.NarSize }),
	codec.Bind("ultimate", codec.Bool, func(p *store.PathInfo) *bool { return &p.Ultimate }),
	codec.Bind("sigs", stringListCodec, func(p *store.PathInfo) *[]string { return &p.Signatures }),
	codec.Bind("ca", codec.String, func(p *store.PathInfo) *string { return &p.CA }),
)

var validPathInfoCodec = codec.Record("ValidPathInfo",
	codec.Bind("path", storePathCodec, func(v *store.ValidPathInfo) *store.StorePath { return &v.Path }),
	codec.Bind("info", pathInfoCodec, func(v *store.ValidPathInfo) *store.PathInfo { return &v.Info }),
)

// queryPathInfoCodec is the bool-prefixed reply of QueryPathInfo.
var queryPathInfoCodec = codec.Optional(pathInfoCodec)

func settingsCodec() codec.Codec[[]store.Setting] {
	return codec.Convert("overrides", codec.OrderedMap(codec.String, codec.String),
		func(ps []codec.Pair[string, string]) []store.Setting {
			out := make([]store.Setting, 0, len(ps))
			for _, p := range ps {
				out = append(out, store.Setting{Name: p.Key, Value: p.Value})
			}
			return out
		},
		func(ss []store.Setting) []codec.Pair[string, string] {
			out := make([]codec.Pair[string, string], 0, len(ss))
			for _, s := range ss {
				out = append(out, codec.Pair[string, string]{Key: s.Name, Value: s.Value})
			}
			return out
		},
	)
}

var clientOptionsCodec = codec.Record("ClientOptions",
	codec.Bind("keepFailed", codec.Bool, func(o *store.ClientOptions) *bool { return &o.KeepFailed }),
	codec.Bind("keepGoing", codec.Bool, func(o *store.ClientOptions) *bool { return &o.KeepGoing }),
	codec.Bind("tryFallback", codec.Bool, func(o *store.ClientOptions) *bool { return &o.TryFallback }),
	codec.Bind("verbosity", verbosityCodec, func(o *store.ClientOptions) *activity.Verbosity { return &o.Verbosity }),
	codec.Bind("maxBuildJobs", codec.U64, func(o *store.ClientOptions) *uint64 { return &o.MaxBuildJobs }),
	codec.Bind("maxSilentTime", codec.U64, func(o *store.ClientOptions) *uint64 { return &o.MaxSilentTime }),
	codec.Skip[store.ClientOptions]("useBuildHook", codec.U64, 1),
	codec.Bind("verboseBuild", verbosityCodec, func(o *store.ClientOptions) *activity.Verbosity { return &o.BuildVerbosity }),
	codec.Skip[store.ClientOptions]("logType", codec.U64, 0),
	codec.Skip[store.ClientOptions]("printBuildTrace", codec.U64, 0),
	codec.Bind("buildCores", codec.U64, func(o *store.ClientOptions) *uint64 { return &o.BuildCores }),
	codec.Bind("useSubstitutes", codec.Bool, func(o *store.ClientOptions) *bool { return &o.UseSubstitutes }),
	codec.Bind("overrides", settingsCodec(), func(o *store.ClientOptions) *[]store.Setting { return &o.Overrides }).Since(12),
)

var (
	drvOutputCodec = codec.Parsed("DrvOutput",
		func(_ *wire.Reader, s string) (store.DrvOutput, error) { return store.ParseDrvOutput(s) },
		func(_ *wire.Writer, d store.DrvOutput) string { return d.String() },
	)

	realisationCodec = codec.Parsed("Realisation",
		func(_ *wire.Reader, s string) (store.Realisation, error) { return store.ParseRealisation(s) },
		func(_ *wire.Writer, r store.Realisation) string { return r.JSON() },
	)

	builtOutputsCodec = codec.Convert("builtOutputs", codec.OrderedMap(drvOutputCodec, realisationCodec),
		func(ps []codec.Pair[store.DrvOutput, store.Realisation]) []store.Realisation {
			out := make([]store.Realisation, 0, len(ps))
			for _, p := range ps {
				out = append(out, p.Value)
			}
			return out
		},
		func(rs []store.Realisation) []codec.Pair[store.DrvOutput, store.Realisation] {
			out := make([]codec.Pair[store.DrvOutput, store.Realisation], 0, len(rs))
			for _, r := range rs {
				out = append(out, codec.Pair[store.DrvOutput, store.Realisation]{Key: r.ID, Value: r})
			}
			return out
		},
	)

	// CPU times travel as microseconds.
	microsCodec = codec.Convert("micros", codec.I64,
		func(us int64) time.Duration { return time.Duration(us) * time.Microsecond },
		func(d time.Duration) int64 { return d.Microseconds() },
	)
)

var buildResultCodec = codec.Record("BuildResult",
	codec.Bind("status", buildStatusCodec, func(b *store.BuildResult) *store.BuildStatus { return &b.Status }),
	codec.Bind("errorMsg", codec.String, func(b *store.BuildResult) *string { return &b.ErrorMsg }),
	codec.Bind("timesBuilt", codec.U64, func(b *store.BuildResult) *uint64 { return &b.TimesBuilt }).Since(29),
	codec.Bind("isNonDeterministic", codec.Bool, func(b *store.BuildResult) *bool { return &b.IsNonDeterministic }).Since(29),
	codec.Bind("startTime", codec.I64, func(b *store.BuildResult) *int64 { return &b.StartTime }).Since(29),
	codec.Bind("stopTime", codec.I64, func(b *store.BuildResult) *int64 { return &b.StopTime }).Since(29),
	codec.Bind("cpuUser", codec.Optional(microsCodec), func(b *store.BuildResult) **time.Duration { return &b.CPUUser }).Since(37),
	codec.Bind("cpuSystem", codec.Optional(microsCodec), func(b *store.BuildResult) **time.Duration { return &b.CPUSystem }).Since(37),
	codec.Bind("builtOutputs", builtOutputsCodec, func(b *store.BuildResult) *[]store.Realisation { return &b.BuiltOutputs }).Since(28),
)

var keyedBuildResultsCodec = codec.List(codec.Record("KeyedBuildResult",
	codec.Bind("path", derivedPathCodec, func(k *store.KeyedBuildResult) *store.DerivedPath { return &k.Path }),
	codec.Bind("result", buildResultCodec, func(k *store.KeyedBuildResult) *store.BuildResult { return &k.Result }),
))

var derivationOutputCodec = codec.Record("DerivationOutput",
	codec.Bind("name", codec.String, func(o *store.DerivationOutput) *string { return &o.Name }),
	codec.Bind("path", optStorePathCodec, func(o *store.DerivationOutput) **store.StorePath { return &o.Path }),
	codec.Bind("hashAlgo", codec.String, func(o *store.DerivationOutput) *string { return &o.HashAlgo }),
	codec.Bind("hash", codec.String, func(o *store.DerivationOutput) *string { return &o.Hash }),
)

var envCodec = codec.Convert("env", codec.OrderedMap(codec.String, codec.String),
	func(ps []codec.Pair[string, string]) []store.EnvVar {
		out := make([]store.EnvVar, 0, len(ps))
		for _, p := range ps {
			out = append(out, store.EnvVar{Name: p.Key, Value: p.Value})
		}
		return out
	},
	func(vs []store.EnvVar) []codec.Pair[string, string] {
		out := make([]codec.Pair[string, string], 0, len(vs))
		for _, v := range vs {
			out = append(out, codec.Pair[string, string]{Key: v.Name, Value: v.Value})
		}
		return out
	},
)

var basicDerivationCodec = codec.Record("BasicDerivation",
	codec.Bind("outputs", codec.List(derivationOutputCodec), func(d *store.BasicDerivation) *[]store.DerivationOutput { return &d.Outputs }),
	codec.Bind("inputSrcs", storePathSetCodec, func(d *store.BasicDerivation) *[]store.StorePath { return &d.InputSrcs }),
	codec.Bind("platform", codec.String, func(d *store.BasicDerivation) *string { return &d.Platform }),
	codec.Bind("builder", codec.String, func(d *store.BasicDerivation) *string { return &d.Builder }),
	codec.Bind("args", stringListCodec, func(d *store.BasicDerivation) *[]string { return &d.Args }),
	codec.Bind("env", envCodec, func(d *store.BasicDerivation) *[]store.EnvVar { return &d.Env }),
)

var queryMissingCodec = codec.Record("QueryMissingResult",
	codec.Bind("willBuild", storePathSetCodec, func(q *store.QueryMissingResult) *[]store.StorePath { return &q.WillBuild }),
	codec.Bind("willSubstitute", storePathSetCodec, func(q *store.QueryMissingResult) *[]store.StorePath { return &q.WillSubstitute }),
	codec.Bind("unknown", storePathSetCodec, func(q *store.QueryMissingResult) *[]store.StorePath { return &q.Unknown }),
	codec.Bind("downloadSize", codec.U64, func(q *store.QueryMissingResult) *uint64 { return &q.DownloadSize }),
	codec.Bind("narSize", codec.U64, func(q *store.QueryMissingResult) *uint64 { return &q.NarSize }),
)

var gcOptionsCodec = codec.Record("GCOptions",
	codec.Bind("action", gcActionCodec, func(o *store.GCOptions) *store.GCAction { return &o.Action }),
	codec.Bind("pathsToDelete", storePathSetCodec, func(o *store.GCOptions) *[]store.StorePath { return &o.PathsToDelete }),
	codec.Bind("ignoreLiveness", codec.Bool, func(o *store.GCOptions) *bool { return &o.IgnoreLiveness }),
	codec.Bind("maxFreed", codec.U64, func(o *store.GCOptions) *uint64 { return &o.MaxFreed }),
	codec.Skip[store.GCOptions]("removedOption1", codec.U64, 0),
	codec.Skip[store.GCOptions]("removedOption2", codec.U64, 0),
	codec.Skip[store.GCOptions]("removedOption3", codec.U64, 0),
)

var gcResultCodec = codec.Record("GCResult",
	codec.Bind("paths", stringSetCodec, func(r *store.GCResult) *[]string { return &r.Paths }),
	codec.Bind("bytesFreed", codec.U64, func(r *store.GCResult) *uint64 { return &r.BytesFreed }),
	codec.Skip[store.GCResult]("blocksFreed", codec.U64, 0),
)

var rootsCodec = codec.Convert("roots", codec.OrderedMap(codec.String, storePathCodec),
	func(ps []codec.Pair[string, store.StorePath]) []store.Root {
		out := make([]store.Root, 0, len(ps))
		for _, p := range ps {
			out = append(out, store.Root{Link: p.Key, Path: p.Value})
		}
		return out
	},
	func(rs []store.Root) []codec.Pair[string, store.StorePath] {
		out := make([]codec.Pair[string, store.StorePath], 0, len(rs))
		for _, r := range rs {
			out = append(out, codec.Pair[string, store.StorePath]{Key: r.Link, Value: r.Path})
		}
		return out
	},
)

var outputMapCodec = codec.Convert("outputMap", codec.OrderedMap(codec.String, optStorePathCodec),
	func(ps []codec.Pair[string, *store.StorePath]) []store.DerivationOutput {
		out := make([]store.DerivationOutput, 0, len(ps))
		for _, p := range ps {
			out = append(out, store.DerivationOutput{Name: p.Key, Path: p.Value})
		}
		return out
	},
	func(outs []store.DerivationOutput) []codec.Pair[string, *store.StorePath] {
		out := make([]codec.Pair[string, *store.StorePath], 0, len(outs))
		for _, o := range outs {
			out = append(out, codec.Pair[string, *store.StorePath]{Key: o.Name, Value: o.Path})
		}
		return out
	},
)

var fieldCodec = codec.Union("Field",
	codec.Variant[activity.Field]{
		Tag:   uint64(activity.FieldInt),
		Name:  "int",
		Match: func(f activity.Field) bool { return f.Kind == activity.FieldInt },
		Read: func(r *wire.Reader) (activity.Field, error) {
			v, err := r.ReadU64()
			return activity.Int(v), err
		},
		Write: func(w *wire.Writer, f activity.Field) error { return w.WriteU64(f.Int) },
	},
	codec.Variant[activity.Field]{
		Tag:   uint64(activity.FieldString),
		Name:  "string",
		Match: func(f activity.Field) bool { return f.Kind == activity.FieldString },
		Read: func(r *wire.Reader) (activity.Field, error) {
			s, err := r.ReadString()
			return activity.String(s), err
		},
		Write: func(w *wire.Writer, f activity.Field) error { return w.WriteString(f.String) },
	},
)

var (
	activityTypeCodec = codec.Convert("ActivityType", codec.U64,
		func(v uint64) activity.ActivityType { return activity.ActivityType(v) },
		func(t activity.ActivityType) uint64 { return uint64(t) },
	)
	resultTypeCodec = codec.Convert("ResultType", codec.U64,
		func(v uint64) activity.ResultType { return activity.ResultType(v) },
		func(t activity.ResultType) uint64 { return uint64(t) },
	)
	fieldsCodec = codec.List(fieldCodec)
)

var startCodec = codec.Record("StartActivity",
	codec.Bind("id", codec.U64, func(s *activity.Start) *uint64 { return &s.ID }),
	codec.Bind("level", logLevelCodec, func(s *activity.Start) *activity.Verbosity { return &s.Level }),
	codec.Bind("type", activityTypeCodec, func(s *activity.Start) *activity.ActivityType { return &s.Type }),
	codec.Bind("text", codec.String, func(s *activity.Start) *string { return &s.Text }),
	codec.Bind("fields", fieldsCodec, func(s *activity.Start) *[]activity.Field { return &s.Fields }),
	codec.Bind("parent", codec.U64, func(s *activity.Start) *uint64 { return &s.Parent }),
)

var resultCodec = codec.Record("Result",
	codec.Bind("id", codec.U64, func(r *activity.Result) *uint64 { return &r.ID }),
	codec.Bind("type", resultTypeCodec, func(r *activity.Result) *activity.ResultType { return &r.Type }),
	codec.Bind("fields", fieldsCodec, func(r *activity.Result) *[]activity.Field { return &r.Fields }),
)

// logVariants are the log frames that carry an activity.Message. Their
// tags are the frame tags themselves.
var logVariants = []codec.Variant[activity.Message]{
	{
		Tag:  protocol.StderrNext,
		Name: "next",
		Match: func(m activity.Message) bool {
			_, ok := m.(*activity.Text)
			return ok
		},
		// Plain lines lose their level on the wire.
		Read: func(r *wire.Reader) (activity.Message, error) {
			s, err := r.ReadString()
			return &activity.Text{Level: activity.VerbosityError, Text: s}, err
		},
		Write: func(w *wire.Writer, m activity.Message) error {
			return w.WriteString(m.(*activity.Text).Text)
		},
	},
	{
		Tag:  protocol.StderrStartActivity,
		Name: "start",
		Match: func(m activity.Message) bool {
			_, ok := m.(*activity.Start)
			return ok
		},
		Read: func(r *wire.Reader) (activity.Message, error) {
			s, err := startCodec.Read(r)
			return &s, err
		},
		Write: func(w *wire.Writer, m activity.Message) error {
			return startCodec.Write(w, *m.(*activity.Start))
		},
	},
	{
		Tag:  protocol.StderrStopActivity,
		Name: "stop",
		Match: func(m activity.Message) bool {
			_, ok := m.(*activity.Stop)
			return ok
		},
		Read: func(r *wire.Reader) (activity.Message, error) {
			id, err := r.ReadU64()
			return &activity.Stop{ID: id}, err
		},
		Write: func(w *wire.Writer, m activity.Message) error {
			return w.WriteU64(m.(*activity.Stop).ID)
		},
	},
	{
		Tag:  protocol.StderrResult,
		Name: "result",
		Match: func(m activity.Message) bool {
			_, ok := m.(*activity.Result)
			return ok
		},
		Read: func(r *wire.Reader) (activity.Message, error) {
			res, err := resultCodec.Read(r)
			return &res, err
		},
		Write: func(w *wire.Writer, m activity.Message) error {
			return resultCodec.Write(w, *m.(*activity.Result))
		},
	},
}

var logMessageCodec = codec.Union("LogMessage", logVariants...)

// readLogPayload decodes the body of a log frame whose tag was already
// consumed.
func readLogPayload(r *wire.Reader, tag uint64) (activity.Message, bool, error) {
	for _, v := range logVariants {
		if v.Tag == tag {
			msg, err := v.Read(r)
			return msg, true, err
		}
	}
	return nil, false, nil
}

var traceCodec = codec.Record("Trace",
	codec.Skip[string]("havePos", codec.U64, 0),
	codec.Bind("hint", codec.String, func(s *string) *string { return s }),
)

var remoteErrorCodec = codec.Record("Error",
	codec.Skip[RemoteError]("type", codec.String, "Error").Since(26),
	codec.Bind("level", logLevelCodec, func(e *RemoteError) *activity.Verbosity { return &e.Level }).Since(26),
	codec.Skip[RemoteError]("name", codec.String, "Error").Since(26),
	codec.Bind("message", codec.String, func(e *RemoteError) *string { return &e.Message }),
	codec.Skip[RemoteError]("havePos", codec.U64, 0).Since(26),
	codec.Bind("traces", codec.List(traceCodec), func(e *RemoteError) *[]string { return &e.Traces }).Since(26),
	codec.Bind("exitStatus", codec.U64, func(e *RemoteError) *uint64 { return &e.ExitStatus }).
		Before(26).
		Default(func(e *RemoteError) { e.ExitStatus = 1 }),
)
