// Package password hashes and verifies passwords with Argon2id.
//
// Hashes use the PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<key>
//
// Verification reads the cost parameters from the stored hash, so raising the
// configured cost never invalidates existing hashes. [Argon2.NeedsRehash]
// reports hashes produced with weaker parameters.
//
// Length policy beyond the hard byte bounds belongs to the caller.
package password
