package candid

// IDLHash is the field id of a textual label.
func IDLHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h*223 + uint32(name[i])
	}
	return h
}
