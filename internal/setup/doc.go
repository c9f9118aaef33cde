// Package setup describes the on-disk workspace of the harness and the
// optional YAML settings file that seeds command-line defaults.
//
// This package is essentially a collection of paths and small file-system
// scripts, and is therefore the only package that is allowed to call a
// package-level logger.
package setup
