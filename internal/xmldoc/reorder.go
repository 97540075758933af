// Package xmldoc normaliza documentos DPS antes del envío: reordena grupos al
// orden canónico del XSD, valida contra el esquema, calcula el hash e inyecta
// el bloque XMLDSig.
package xmldoc

import (
	"github.com/beevik/etree"

	"github.com/dropDatabas3/nfsegate/internal/metrics"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
)

// NamespaceNFSe es el namespace de los documentos de la API Nacional.
const NamespaceNFSe = "http://www.sped.fazenda.gov.br/nfse"

// TribMunOrder es el orden exigido por el XSD para los hijos de <tribMun>.
var TribMunOrder = []string{
	"tribISSQN",
	"cPaisResult",
	"tpImunidade",
	"exigSusp",
	"BM",
	"tpRetISSQN",
	"pAliq",
	"vRed",
	"vBC",
	"vBCSTRet",
	"vISSQN",
	"vDesc",
	"vLiq",
	"indIncentivo",
}

// FixTribMunOrder reordena todos los <tribMun> del documento.
func FixTribMunOrder(xml string) string {
	return ReorderElements(xml, "tribMun", TribMunOrder)
}

// ReorderElements reordena los hijos de cada elemento group: primero los
// canónicos en el orden de canonicalOrder (todas las ocurrencias de cada nombre,
// en orden de documento), después los desconocidos en su orden relativo original
// y al final los nodos no-elemento (texto, comentarios).
//
// Si el XML no es well-formed retorna el original sin cambios, loguea un warning
// e incrementa nfsegate_xml_reorder_fallback_total.
func ReorderElements(xml, group string, canonicalOrder []string) string {
	log := logger.Named("xmldoc")

	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil || doc.Root() == nil {
		metrics.XMLReorderFallbacks.Inc()
		log.Warn("xml mal formado; enviando documento sem reordenar",
			logger.String("group", group),
			logger.Err(err),
		)
		return xml
	}

	groups := doc.FindElements("//" + group)
	if len(groups) == 0 {
		log.Debug("nenhum elemento encontrado para reordenar", logger.String("group", group))
		return xml
	}

	rank := make(map[string]int, len(canonicalOrder))
	for i, name := range canonicalOrder {
		if _, dup := rank[name]; !dup {
			rank[name] = i
		}
	}
	for _, g := range groups {
		reorderChildren(g, rank, len(canonicalOrder))
	}

	out, err := doc.WriteToString()
	if err != nil {
		metrics.XMLReorderFallbacks.Inc()
		log.Warn("falha ao serializar xml reordenado", logger.Err(err))
		return xml
	}
	log.Debug("grupos reordenados", logger.String("group", group), logger.Count(len(groups)))
	return out
}

func reorderChildren(g *etree.Element, rank map[string]int, buckets int) {
	canonical := make([][]etree.Token, buckets)
	var unknown, other []etree.Token

	for _, tok := range g.Child {
		el, ok := tok.(*etree.Element)
		if !ok {
			other = append(other, tok)
			continue
		}
		if i, known := rank[el.Tag]; known {
			canonical[i] = append(canonical[i], el)
		} else {
			unknown = append(unknown, el)
		}
	}

	for len(g.Child) > 0 {
		g.RemoveChildAt(len(g.Child) - 1)
	}
	for _, bucket := range canonical {
		for _, tok := range bucket {
			g.AddChild(tok)
		}
	}
	for _, tok := range unknown {
		g.AddChild(tok)
	}
	for _, tok := range other {
		g.AddChild(tok)
	}
}
