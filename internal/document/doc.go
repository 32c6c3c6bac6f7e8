// Package document models configuration documents as a closed set of value
// variants (string, number, bool, sequence, mapping) and implements the
// leaf-overwrite merge and dot-path addressing used by the configuration
// engine.
package document
