// Package encoding provides the little-endian binary codecs used by the
// reading log and checkpoint file formats.
package encoding
