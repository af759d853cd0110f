// Package nmea holds the sentence-level primitives shared by every endpoint:
// the Message type, the byte-to-line Framer and the accept/deny Filter.
//
// Sentences are opaque apart from their type, which is read at a fixed
// offset: the three characters following the start delimiter and the
// two-character talker ID.
//
//	$GPGGA,123519,...  ->  "GGA"
//
// Proprietary sentences ($P...) and other shapes are classified by the same
// offset, so their type may not be meaningful. Filters configured against
// such sentences must use whatever lands at that offset.
package nmea
