package checks

import (
	"math"
	"strings"
)

const (
	maxFindingMessageLengthConstant  = 200
	truncationSuffixConstant         = "..."
	redactedPreviewRuneCountConstant = 4
	redactionMaskConstant            = "****"
)

// truncateMessage caps a finding message so a single pathological error
// cannot bloat reports or logs.
func truncateMessage(message string) string {
	if len(message) <= maxFindingMessageLengthConstant {
		return message
	}
	return message[:maxFindingMessageLengthConstant-len(truncationSuffixConstant)] + truncationSuffixConstant
}

// shannonEntropy measures the information density of a token in bits per
// character. High-entropy tokens inside source files are secret candidates.
func shannonEntropy(token string) float64 {
	if len(token) == 0 {
		return 0
	}

	frequencies := make(map[rune]int)
	runeCount := 0
	for _, character := range token {
		frequencies[character]++
		runeCount++
	}

	entropy := 0.0
	for _, frequency := range frequencies {
		probability := float64(frequency) / float64(runeCount)
		entropy -= probability * math.Log2(probability)
	}
	return entropy
}

// redactSecretPreview keeps only the first few characters of a matched
// secret so findings never leak the credential they report.
func redactSecretPreview(matchedText string) string {
	runes := []rune(strings.TrimSpace(matchedText))
	if len(runes) <= redactedPreviewRuneCountConstant {
		return redactionMaskConstant
	}
	return string(runes[:redactedPreviewRuneCountConstant]) + redactionMaskConstant
}

// looksBinary reports whether file content should be skipped by text
// scanners. A NUL byte in the prefix is treated as a binary marker.
func looksBinary(content []byte) bool {
	inspectionLength := len(content)
	if inspectionLength > 8000 {
		inspectionLength = 8000
	}
	for index := 0; index < inspectionLength; index++ {
		if content[index] == 0 {
			return true
		}
	}
	return false
}
