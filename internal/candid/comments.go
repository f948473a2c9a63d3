package candid

// stripComments blanks out line and (nested) block comments. Every byte of a
// comment except newlines becomes a space, so offsets into the result are
// offsets into src. Text literals are left intact.
func stripComments(src string) (string, error) {
	buf := []byte(src)
	n := len(buf)
	for i := 0; i < n; {
		switch {
		case buf[i] == '"':
			end, ok := skipText(buf, i)
			if !ok {
				return "", errAt(UnsupportedSyntax, i, "unterminated text literal")
			}
			i = end
		case buf[i] == '/' && i+1 < n && buf[i+1] == '/':
			for i < n && buf[i] != '\n' {
				buf[i] = ' '
				i++
			}
		case buf[i] == '/' && i+1 < n && buf[i+1] == '*':
			end, ok := blankBlockComment(buf, i)
			if !ok {
				return "", errAt(UnterminatedComment, i, "block comment is not closed")
			}
			i = end
		default:
			i++
		}
	}
	return string(buf), nil
}

// skipText returns the offset just past the literal starting at the quote
// at start.
func skipText(buf []byte, start int) (int, bool) {
	for i := start + 1; i < len(buf); i++ {
		switch buf[i] {
		case '\\':
			i++
		case '"':
			return i + 1, true
		}
	}
	return 0, false
}

func blankBlockComment(buf []byte, start int) (int, bool) {
	depth := 0
	i := start
	for i < len(buf) {
		switch {
		case buf[i] == '/' && i+1 < len(buf) && buf[i+1] == '*':
			depth++
			buf[i], buf[i+1] = ' ', ' '
			i += 2
		case buf[i] == '*' && i+1 < len(buf) && buf[i+1] == '/':
			depth--
			buf[i], buf[i+1] = ' ', ' '
			i += 2
			if depth == 0 {
				return i, true
			}
		default:
			if buf[i] != '\n' {
				buf[i] = ' '
			}
			i++
		}
	}
	return 0, false
}
