package sniproxy

// ExtractSNI parses the leading bytes of a TCP stream as a TLS ClientHello
// and returns the server_name extension's hostname, or "" if the data isn't
// a valid ClientHello or carries no SNI. No reassembly across TLS records
// (spec.md §4.E, §6). Carried over from the teacher's internal/proxy/sni.go,
// which already implements exactly this parse.
func ExtractSNI(data []byte) string {
	// TLS record header: ContentType(1) + Version(2) + Length(2).
	if len(data) < 5 {
		return ""
	}
	if data[0] != 0x16 { // Handshake
		return ""
	}

	recordLen := int(data[3])<<8 | int(data[4])
	if len(data) < 5+recordLen {
		return ""
	}
	hs := data[5 : 5+recordLen]

	if len(hs) < 1 || hs[0] != 0x01 { // ClientHello
		return ""
	}
	if len(hs) < 4 {
		return ""
	}
	hsLen := int(hs[1])<<16 | int(hs[2])<<8 | int(hs[3])
	if len(hs) < 4+hsLen {
		return ""
	}
	ch := hs[4 : 4+hsLen]

	pos := 0

	// client_version(2) + random(32)
	pos += 2 + 32
	if pos >= len(ch) {
		return ""
	}

	sessionIDLen := int(ch[pos])
	pos += 1 + sessionIDLen
	if pos+2 > len(ch) {
		return ""
	}

	cipherSuitesLen := int(ch[pos])<<8 | int(ch[pos+1])
	pos += 2 + cipherSuitesLen
	if pos+1 > len(ch) {
		return ""
	}

	compressionLen := int(ch[pos])
	pos += 1 + compressionLen
	if pos+2 > len(ch) {
		return ""
	}

	extensionsLen := int(ch[pos])<<8 | int(ch[pos+1])
	pos += 2
	if pos+extensionsLen > len(ch) {
		return ""
	}

	return parseSNIExtension(ch[pos : pos+extensionsLen])
}

func parseSNIExtension(data []byte) string {
	pos := 0
	for pos+4 <= len(data) {
		extType := int(data[pos])<<8 | int(data[pos+1])
		extLen := int(data[pos+2])<<8 | int(data[pos+3])
		pos += 4

		if pos+extLen > len(data) {
			return ""
		}
		if extType == 0 { // server_name
			return parseSNIPayload(data[pos : pos+extLen])
		}
		pos += extLen
	}
	return ""
}

func parseSNIPayload(data []byte) string {
	if len(data) < 2 {
		return ""
	}
	listLen := int(data[0])<<8 | int(data[1])
	if len(data) < 2+listLen {
		return ""
	}
	list := data[2 : 2+listLen]

	pos := 0
	for pos+3 <= len(list) {
		nameType := list[pos]
		nameLen := int(list[pos+1])<<8 | int(list[pos+2])
		pos += 3

		if pos+nameLen > len(list) {
			return ""
		}
		if nameType == 0 { // host_name
			return string(list[pos : pos+nameLen])
		}
		pos += nameLen
	}
	return ""
}
