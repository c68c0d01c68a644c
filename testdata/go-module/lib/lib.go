package lib

func Decode(b []byte) string {
	return decode(b)
}

func decode(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafeCopy(b)
}

func unsafeCopy(b []byte) string { return string(b) }

func Encode(s string) []byte { return []byte(s) }

func Version() string { return "1.0.0" }
