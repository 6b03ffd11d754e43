package protocol

import "fmt"

// Op is a worker operation code. The numbering is frozen by the legacy
// protocol; gaps belong to removed operations.
type Op uint64

const (
	OpIsValidPath                 Op = 1
	OpHasSubstitutes              Op = 3
	OpQueryPathHash               Op = 4
	OpQueryReferences             Op = 5
	OpQueryReferrers              Op = 6
	OpAddToStore                  Op = 7
	OpAddTextToStore              Op = 8
	OpBuildPaths                  Op = 9
	OpEnsurePath                  Op = 10
	OpAddTempRoot                 Op = 11
	OpAddIndirectRoot             Op = 12
	OpSyncWithGC                  Op = 13
	OpFindRoots                   Op = 14
	OpExportPath                  Op = 16
	OpQueryDeriver                Op = 18
	OpSetOptions                  Op = 19
	OpCollectGarbage              Op = 20
	OpQuerySubstitutablePathInfo  Op = 21
	OpQueryDerivationOutputs      Op = 22
	OpQueryAllValidPaths          Op = 23
	OpQueryPathInfo               Op = 26
	OpImportPaths                 Op = 27
	OpQueryDerivationOutputNames  Op = 28
	OpQueryPathFromHashPart       Op = 29
	OpQuerySubstitutablePathInfos Op = 30
	OpQueryValidPaths             Op = 31
	OpQuerySubstitutablePaths     Op = 32
	OpQueryValidDerivers          Op = 33
	OpOptimiseStore               Op = 34
	OpVerifyStore                 Op = 35
	OpBuildDerivation             Op = 36
	OpAddSignatures               Op = 37
	OpNarFromPath                 Op = 38
	OpAddToStoreNar               Op = 39
	OpQueryMissing                Op = 40
	OpQueryDerivationOutputMap    Op = 41
	OpRegisterDrvOutput           Op = 42
	OpQueryRealisation            Op = 43
	OpAddMultipleToStore          Op = 44
	OpAddBuildLog                 Op = 45
	OpBuildPathsWithResults       Op = 46
	OpAddPermRoot                 Op = 47
)

type opInfo struct {
	name     string
	obsolete bool
}

var opTable = map[Op]opInfo{
	OpIsValidPath:                 {name: "IsValidPath"},
	OpHasSubstitutes:              {name: "HasSubstitutes", obsolete: true},
	OpQueryPathHash:               {name: "QueryPathHash", obsolete: true},
	OpQueryReferences:             {name: "QueryReferences", obsolete: true},
	OpQueryReferrers:              {name: "QueryReferrers"},
	OpAddToStore:                  {name: "AddToStore"},
	OpAddTextToStore:              {name: "AddTextToStore", obsolete: true},
	OpBuildPaths:                  {name: "BuildPaths"},
	OpEnsurePath:                  {name: "EnsurePath"},
	OpAddTempRoot:                 {name: "AddTempRoot"},
	OpAddIndirectRoot:             {name: "AddIndirectRoot"},
	OpSyncWithGC:                  {name: "SyncWithGC", obsolete: true},
	OpFindRoots:                   {name: "FindRoots"},
	OpExportPath:                  {name: "ExportPath", obsolete: true},
	OpQueryDeriver:                {name: "QueryDeriver", obsolete: true},
	OpSetOptions:                  {name: "SetOptions"},
	OpCollectGarbage:              {name: "CollectGarbage"},
	OpQuerySubstitutablePathInfo:  {name: "QuerySubstitutablePathInfo", obsolete: true},
	OpQueryDerivationOutputs:      {name: "QueryDerivationOutputs", obsolete: true},
	OpQueryAllValidPaths:          {name: "QueryAllValidPaths"},
	OpQueryPathInfo:               {name: "QueryPathInfo"},
	OpImportPaths:                 {name: "ImportPaths", obsolete: true},
	OpQueryDerivationOutputNames:  {name: "QueryDerivationOutputNames", obsolete: true},
	OpQueryPathFromHashPart:       {name: "QueryPathFromHashPart"},
	OpQuerySubstitutablePathInfos: {name: "QuerySubstitutablePathInfos", obsolete: true},
	OpQueryValidPaths:             {name: "QueryValidPaths"},
	OpQuerySubstitutablePaths:     {name: "QuerySubstitutablePaths"},
	OpQueryValidDerivers:          {name: "QueryValidDerivers"},
	OpOptimiseStore:               {name: "OptimiseStore"},
	OpVerifyStore:                 {name: "VerifyStore"},
	OpBuildDerivation:             {name: "BuildDerivation"},
	OpAddSignatures:               {name: "AddSignatures"},
	OpNarFromPath:                 {name: "NarFromPath"},
	OpAddToStoreNar:               {name: "AddToStoreNar"},
	OpQueryMissing:                {name: "QueryMissing"},
	OpQueryDerivationOutputMap:    {name: "QueryDerivationOutputMap"},
	OpRegisterDrvOutput:           {name: "RegisterDrvOutput"},
	OpQueryRealisation:            {name: "QueryRealisation"},
	OpAddMultipleToStore:          {name: "AddMultipleToStore"},
	OpAddBuildLog:                 {name: "AddBuildLog"},
	OpBuildPathsWithResults:       {name: "BuildPathsWithResults"},
	OpAddPermRoot:                 {name: "AddPermRoot"},
}

// Known reports whether op is part of the legacy operation table.
func (op Op) Known() bool {
	_, ok := opTable[op]
	return ok
}

// Obsolete reports whether op was removed from current clients.
func (op Op) Obsolete() bool {
	return opTable[op].obsolete
}

func (op Op) String() string {
	if info, ok := opTable[op]; ok {
		return info.name
	}
	return fmt.Sprintf("Op(%d)", uint64(op))
}
