// Package protocol owns the vault lookup wire contract.
//
// Ownership boundary:
// - frame: length-delimited message unit ([uint32 big-endian length][payload])
// - command: request payloads and reply classification
//
// Protocol version 1 conventions:
// - A request payload is an uppercase ASCII command word; when an argument is
//   present the word is followed by one 0x20 separator and the raw argument
//   bytes. The argument is opaque and may contain further spaces.
// - A reply payload is UTF-8 text. The reserved "FAIL" marker at the start of
//   the text signals a protocol failure; everything else is a success body.
// - One frame carries exactly one request or one reply. Frames never span
//   messages and payloads are bounded by frame.Limits.
package protocol
