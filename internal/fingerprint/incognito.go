package fingerprint

// incognitoQuotaLimit is the storage quota below which a Chromium-family
// browser is assumed to be in a private window. Chromium caps private-mode
// quota near 100 MiB while regular profiles report a share of free disk.
const incognitoQuotaLimit = 120 << 20

// DetectIncognito applies the storage-quota heuristic. The result is a weak,
// non-authoritative hint: quota reporting differs across browsers and versions.
// An unknown quota (<= 0) is never treated as private browsing.
func DetectIncognito(quotaBytes int64, browser string) bool {
	if quotaBytes <= 0 {
		return false
	}
	switch browser {
	case "Chrome", "Edge", "Opera", "":
		return quotaBytes < incognitoQuotaLimit
	}
	return false
}
