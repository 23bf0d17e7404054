package helpers

import "strings"

// bounceMarker separates the list local-part from the encoded recipient in
// a bounce-routing envelope address.
const bounceMarker = "+bounces--"

// plusToken is the reversible encoding of a literal '+' inside an encoded
// recipient, so the envelope address contains exactly one '+'.
const plusToken = "---plus---"

// SplitEmailAddress splits an address into its lowercased local part and
// domain. The domain is empty if the input contains no '@'.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(strings.TrimSpace(email))
	local, domain, found := strings.Cut(email, "@")
	if !found {
		return email, ""
	}
	return local, domain
}

// EncodeBounceAddress builds the envelope-sender address used for a single
// recipient, embedding the recipient so that a later delivery failure can be
// attributed back to it:
//
//	EncodeBounceAddress("list@lists.example.com", "jane.doe@gmail.com")
//	  == "list+bounces--jane.doe=gmail.com@lists.example.com"
//
// The recipient's '@' is encoded as '=' and a literal '+' as "---plus---",
// leaving a single '@' and a single '+' in the result. The encoding is
// reversed by DecodeBounceAddress.
func EncodeBounceAddress(listAddress, recipient string) string {
	local, domain := SplitEmailAddress(listAddress)
	encoded := strings.ReplaceAll(recipient, "+", plusToken)
	encoded = strings.ReplaceAll(encoded, "@", "=")
	return local + bounceMarker + encoded + "@" + domain
}

// DecodeBounceAddress recovers the original recipient from an envelope
// address produced by EncodeBounceAddress. The second return value is false
// only if the local part carries no bounce marker: anything behind the
// marker is a bounce, even when a provider mangled the encoding.
func DecodeBounceAddress(envelopeAddress string) (string, bool) {
	local, _ := SplitEmailAddress(envelopeAddress)
	_, encoded, found := strings.Cut(local, bounceMarker)
	if !found || encoded == "" {
		return "", false
	}
	encoded = strings.ReplaceAll(encoded, plusToken, "+")
	// The recipient domain cannot contain '=', so the last one is the
	// encoded '@'. A recipient local part may legitimately contain '='.
	idx := strings.LastIndex(encoded, "=")
	if idx < 0 {
		// No encoded '@'; the recipient is domainless but it is still a
		// bounce and must never be forwarded.
		return encoded, true
	}
	return encoded[:idx] + "@" + encoded[idx+1:], true
}

// ExtractPlusSuffix returns the text after the first '+' of the local part,
// used as a sender-authentication token. The suffix keeps its original
// case; tokens are secrets and compared case-sensitively. The second
// return value is false if the local part carries no suffix.
func ExtractPlusSuffix(address string) (string, bool) {
	local, _, _ := strings.Cut(strings.TrimSpace(address), "@")
	_, suffix, found := strings.Cut(local, "+")
	if !found || suffix == "" {
		return "", false
	}
	return suffix, true
}

// StripPlusSuffix removes a '+suffix' from the local part, hiding
// authentication secrets from forwarded mail. Addresses without a suffix
// are returned normalized but otherwise unchanged.
func StripPlusSuffix(address string) string {
	local, domain := SplitEmailAddress(address)
	base, _, _ := strings.Cut(local, "+")
	if domain == "" {
		return base
	}
	return base + "@" + domain
}

// AddressMatchesList reports whether candidate addresses the given list:
// the domains match case-insensitively and the local parts match once any
// '+suffix' is ignored.
func AddressMatchesList(candidate, listAddress string) bool {
	return StripPlusSuffix(candidate) == StripPlusSuffix(listAddress)
}
