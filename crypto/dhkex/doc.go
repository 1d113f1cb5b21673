// Package dhkex implements finite-field Diffie-Hellman over a fixed MODP group.
//
// All values cross the wire as minimal hexadecimal text (no prefix, no fixed
// width) so that independent clients doing the same modular arithmetic stay
// interoperable. Peer public values are range checked before exponentiation:
// anything outside [2, p-2] is rejected with core.ErrInvalidKeyMaterial.
//
// The private scalar lives only in memory; KeyPair.Wipe clears it once the
// shared secret has been derived.
package dhkex
