// Package archive reads and writes the deterministic file tree
// serialization used to transfer store objects ("nix-archive-1").
//
// Every token is a padded wire string. A tree is written depth first with
// directory entries in ascending byte order, so equal trees always
// serialize to identical bytes.
package archive
