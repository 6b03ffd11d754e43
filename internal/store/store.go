package store

import (
	"context"
	"io"
)

// Store is the set of operations every store behind the daemon serves.
// Implementations report progress through activity.FromContext(ctx) and
// must be safe for concurrent use by many connections.
type Store interface {
	IsValidPath(ctx context.Context, path StorePath) (bool, error)
	// QueryPathInfo returns nil, nil for a path that is not valid.
	QueryPathInfo(ctx context.Context, path StorePath) (*PathInfo, error)
	// NarFromPath streams the archive serialization of path.
	NarFromPath(ctx context.Context, path StorePath) (io.ReadCloser, error)
	// AddToStoreNar imports one object. nar must be consumed to EOF
	// even when the import fails.
	AddToStoreNar(ctx context.Context, info ValidPathInfo, nar io.Reader, repair, dontCheckSigs bool) error
	BuildPaths(ctx context.Context, paths []DerivedPath, mode BuildMode) error
	BuildDerivation(ctx context.Context, drvPath StorePath, drv BasicDerivation, mode BuildMode) (BuildResult, error)
	QueryMissing(ctx context.Context, paths []DerivedPath) (QueryMissingResult, error)
}

// The interfaces below are optional capabilities. The daemon answers
// operations of a missing capability with ErrNotSupported.

type OptionSetter interface {
	SetOptions(ctx context.Context, opts ClientOptions) error
}

type PathQuerier interface {
	QueryValidPaths(ctx context.Context, paths []StorePath, substitute bool) ([]StorePath, error)
	QueryAllValidPaths(ctx context.Context) ([]StorePath, error)
	QueryReferrers(ctx context.Context, path StorePath) ([]StorePath, error)
	QueryValidDerivers(ctx context.Context, path StorePath) ([]StorePath, error)
	QueryPathFromHashPart(ctx context.Context, hashPart string) (*StorePath, error)
	QuerySubstitutablePaths(ctx context.Context, paths []StorePath) ([]StorePath, error)
	QueryDerivationOutputMap(ctx context.Context, drvPath StorePath) ([]DerivationOutput, error)
}

// NarSource yields the objects of one AddMultipleToStore batch. Each
// archive must be read to EOF before calling Next again.
type NarSource interface {
	Next() (ValidPathInfo, io.Reader, error)
}

type BatchAdder interface {
	AddMultipleToStore(ctx context.Context, src NarSource, repair, dontCheckSigs bool) error
}

type ResultBuilder interface {
	BuildPathsWithResults(ctx context.Context, paths []DerivedPath, mode BuildMode) ([]KeyedBuildResult, error)
}

type RootManager interface {
	EnsurePath(ctx context.Context, path StorePath) error
	AddTempRoot(ctx context.Context, path StorePath) error
	AddIndirectRoot(ctx context.Context, link string) error
	AddPermRoot(ctx context.Context, path StorePath, link string) (string, error)
	FindRoots(ctx context.Context) ([]Root, error)
}

type Maintainer interface {
	OptimiseStore(ctx context.Context) error
	// VerifyStore reports whether errors remain.
	VerifyStore(ctx context.Context, checkContents, repair bool) (bool, error)
	AddSignatures(ctx context.Context, path StorePath, sigs []string) error
	AddBuildLog(ctx context.Context, drvPath StorePath, log io.Reader) error
}

// ContentAdder adds data by content. method is an IngestionMethod
// string; for recursive ingestion data is an archive.
type ContentAdder interface {
	AddToStore(ctx context.Context, name, method string, refs []StorePath, repair bool, data io.Reader) (ValidPathInfo, error)
}

type GarbageCollector interface {
	CollectGarbage(ctx context.Context, opts GCOptions) (GCResult, error)
}
