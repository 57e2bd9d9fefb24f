package tokenizer

import "golang.org/x/text/unicode/norm"

type normalizeFunc func(string) string

func unicodeNormalizer(kind string) normalizeFunc {
	switch kind {
	case "NFD":
		return norm.NFD.String
	case "NFKC":
		return norm.NFKC.String
	case "NFKD":
		return norm.NFKD.String
	default:
		return norm.NFC.String
	}
}
