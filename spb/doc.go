// Package spb implements the birth/death-certificate wire protocol the
// gateway speaks on the broker: message kinds, the topic schema
// "spBv1.0/<group>/<KIND>/<node>[/<device>]", and the compact JSON payload
// carrying sequenced metric sets.
//
// Lifecycle messages (NBIRTH/DBIRTH) declare the full metric set with
// name→alias assignments; data messages (NDATA/DDATA) reference metrics by
// alias alone. Decoding is structural only: alias resolution and sequence
// validation are the caller's concern, so the codec stays free of session
// state.
package spb
