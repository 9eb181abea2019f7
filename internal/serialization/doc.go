// Package serialization provides the native .ltsp format for saving
// and loading spatial-operator node configurations and their kernel
// tensors.
//
//	Format Structure:
//	  [4 bytes: Magic "LTSP"]
//	  [4 bytes: Version (uint32 LE)]
//	  [4 bytes: Flags (uint32 LE)]
//	  [8 bytes: Header Size (uint64 LE)]
//	  [Header: JSON metadata — node records and tensor directory]
//	  [Tensor data: raw bytes, 64-byte aligned]
//
// Writers always emit the current format version. Readers accept the
// two legacy versions as well: version 1 stored flat 2-D scalar fields
// and version 2 stored the ND form without the transpose flag. Each
// legacy header is expanded to the current form by a pure upgrade
// function applied once at load time, so no version conditionals
// survive into the execution path.
package serialization
