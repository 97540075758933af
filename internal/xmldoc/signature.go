package xmldoc

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/beevik/etree"

	"github.com/dropDatabas3/nfsegate/internal/domain"
)

// DefaultSignatureAnchor es el elemento tras cuyo cierre va la firma.
const DefaultSignatureAnchor = "infDPS"

const (
	nsXMLDSig       = "http://www.w3.org/2000/09/xmldsig#"
	algC14N         = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	algEnveloped    = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
	algSHA256       = "http://www.w3.org/2001/04/xmlenc#sha256"
	algRSASHA256    = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	algECDSASHA256  = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
	defaultRefURI   = ""
	signatureMarker = "<Signature"
)

// InjectSignature inserta signatureBlock inmediatamente después del primer
// cierre del ancla (con o sin prefijo). Sin ancla retorna *domain.StructuralError.
func InjectSignature(xml, signatureBlock, anchor string) (string, error) {
	if anchor == "" {
		anchor = DefaultSignatureAnchor
	}
	re := regexp.MustCompile(`</(?:[A-Za-z_][\w.-]*:)?` + regexp.QuoteMeta(anchor) + `\s*>`)
	loc := re.FindStringIndex(xml)
	if loc == nil {
		return "", &domain.StructuralError{Anchor: anchor, Reason: "tag de fechamento não encontrada"}
	}
	var b strings.Builder
	b.Grow(len(xml) + len(signatureBlock))
	b.WriteString(xml[:loc[1]])
	b.WriteString(signatureBlock)
	b.WriteString(xml[loc[1]:])
	return b.String(), nil
}

// HasSignature indica si el documento ya trae un bloque <Signature>.
func HasSignature(xml string) bool {
	return strings.Contains(xml, signatureMarker)
}

// HashDocument retorna el SHA-256 en hex del documento tal como se envía a firmar.
func HashDocument(xml string) string {
	sum := sha256.Sum256([]byte(xml))
	return hex.EncodeToString(sum[:])
}

// DSig describe un bloque XMLDSig enveloped.
type DSig struct {
	DigestHex      string
	SignatureValue string
	Certificate    string // base64 DER o thumbprint, según lo devuelva el proveedor
	Algorithm      string // RSA-SHA256 (default) | ECDSA-SHA256
	ReferenceURI   string
}

// XML serializa el bloque <Signature>.
func (d DSig) XML() string {
	sig := etree.NewElement("Signature")
	sig.CreateAttr("xmlns", nsXMLDSig)

	info := sig.CreateElement("SignedInfo")
	info.CreateElement("CanonicalizationMethod").CreateAttr("Algorithm", algC14N)
	info.CreateElement("SignatureMethod").CreateAttr("Algorithm", signatureMethod(d.Algorithm))

	ref := info.CreateElement("Reference")
	ref.CreateAttr("URI", d.ReferenceURI)
	transforms := ref.CreateElement("Transforms")
	transforms.CreateElement("Transform").CreateAttr("Algorithm", algEnveloped)
	transforms.CreateElement("Transform").CreateAttr("Algorithm", algC14N)
	ref.CreateElement("DigestMethod").CreateAttr("Algorithm", algSHA256)
	ref.CreateElement("DigestValue").SetText(digestValue(d.DigestHex))

	sig.CreateElement("SignatureValue").SetText(d.SignatureValue)
	sig.CreateElement("KeyInfo").CreateElement("X509Data").CreateElement("X509Certificate").SetText(d.Certificate)

	doc := etree.NewDocumentWithRoot(sig)
	out, err := doc.WriteToString()
	if err != nil {
		return ""
	}
	return out
}

// BuildXMLDSig arma el bloque con algoritmo RSA-SHA256 y referencia al documento completo.
func BuildXMLDSig(hashHex, signatureValue, certificate string) string {
	return DSig{
		DigestHex:      hashHex,
		SignatureValue: signatureValue,
		Certificate:    certificate,
		ReferenceURI:   defaultRefURI,
	}.XML()
}

func signatureMethod(alg string) string {
	if strings.Contains(strings.ToUpper(alg), "ECDSA") {
		return algECDSASHA256
	}
	return algRSASHA256
}

// digestValue convierte el hash hex a base64; si no es hex se codifica tal cual.
func digestValue(h string) string {
	raw, err := hex.DecodeString(h)
	if err != nil {
		raw = []byte(h)
	}
	return base64.StdEncoding.EncodeToString(raw)
}
