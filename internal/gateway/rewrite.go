package gateway

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/beevik/etree"
)

// Manifest rewriting is two independent textual patches over the upstream
// template, plus a parse-based discovery step. Discovery (finding the
// original BaseURL) uses a real XML parse; the mutations substitute
// well-known literal markers, which keeps both patches order-safe against
// the manifest template.

// Static markers in the upstream manifest template.
const (
	genericProtectionMarker = "mp4protection:2011"
	playreadyPlaceholder    = `" value="PlayReady"/>`
	widevinePlaceholder     = `" value="Widevine"/>`
	segmentDirMarker        = "dash/"
)

var baseURLPattern = regexp.MustCompile(`(?s)<BaseURL>.*?</BaseURL>`)

// AbsolutizeSegmentPaths rewrites the manifest's relative segment directory
// references against the upstream base so segment URLs survive being served
// from a different host.
func AbsolutizeSegmentPaths(manifest []byte, upstreamBase string) []byte {
	return []byte(strings.ReplaceAll(string(manifest), segmentDirMarker, upstreamBase+"/"+segmentDirMarker))
}

// Rewrite splices protection metadata and a proxy base URL into manifest.
// With protection nil and no BaseURL element present, the output is
// byte-identical to the input.
func Rewrite(manifest []byte, protection *ProtectionMetadata, proxyBaseURL string, id ContentID) []byte {
	doc := string(manifest)

	if protection != nil {
		// Attribute rewrite on the generic descriptor first, then the
		// per-system placeholder expansion.
		doc = strings.ReplaceAll(doc, genericProtectionMarker,
			genericProtectionMarker+`" cenc:default_KID="`+protection.KeyID)
		if protection.PlayReadyPSSH != "" {
			doc = strings.ReplaceAll(doc, playreadyPlaceholder,
				`"><cenc:pssh>`+protection.PlayReadyPSSH+`</cenc:pssh></ContentProtection>`)
		}
		if protection.WidevinePSSH != "" {
			doc = strings.ReplaceAll(doc, widevinePlaceholder,
				`"><cenc:pssh>`+protection.WidevinePSSH+`</cenc:pssh></ContentProtection>`)
		}
	}

	// Literal replacement: the upstream BaseURL text goes into the
	// replacement and may contain '$'.
	proxyBase := proxiedBaseURL(doc, proxyBaseURL, id)
	doc = baseURLPattern.ReplaceAllLiteralString(doc, "<BaseURL>"+proxyBase+"</BaseURL>")

	return []byte(doc)
}

// proxiedBaseURL parses doc as XML and derives the proxy-addressed base URL
// from the first BaseURL element. XML parse failure or a missing element
// yields "" -- a degraded but non-fatal path where segment URLs inside the
// manifest stay unrewritten.
func proxiedBaseURL(doc, proxyBaseURL string, id ContentID) string {
	tree := etree.NewDocument()
	if err := tree.ReadFromString(doc); err != nil {
		return ""
	}
	el := tree.FindElement("//BaseURL")
	if el == nil {
		return ""
	}

	original := strings.TrimRight(strings.TrimSpace(el.Text()), "/")
	return fmt.Sprintf("%s/%s/?baseurl=%s/", strings.TrimRight(proxyBaseURL, "/"), id, original)
}

// DefaultKIDFromManifest reads the cenc:default_KID attribute off the generic
// mp4protection descriptor. Used by the ClearKey flow.
func DefaultKIDFromManifest(manifest []byte) (string, bool) {
	tree := etree.NewDocument()
	if err := tree.ReadFromBytes(manifest); err != nil {
		return "", false
	}
	for _, el := range tree.FindElements("//ContentProtection") {
		scheme := el.SelectAttrValue("schemeIdUri", "")
		if !strings.Contains(scheme, genericProtectionMarker) {
			continue
		}
		for _, attr := range el.Attr {
			if attr.Key == "default_KID" && attr.Value != "" {
				return attr.Value, true
			}
		}
	}
	return "", false
}
