package xmldoc

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/beevik/etree"

	"github.com/dropDatabas3/nfsegate/internal/domain"
	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
)

// Schema es un subconjunto compilado de XML Schema suficiente para los layouts
// de la API Nacional: element (name/ref/type, min/maxOccurs), complexType con
// sequence/choice/all y atributos, simpleContent, y simpleType con restricciones
// (pattern, enumeration, length, minLength, maxLength, min/maxInclusive,
// totalDigits, fractionDigits). xs:include/xs:import se resuelven relativos al
// archivo. Los namespaces de los elementos no se validan.
type Schema struct {
	elements     map[string]*elementDecl
	complexTypes map[string]*complexType
	simpleTypes  map[string]*simpleType
}

type elementDecl struct {
	name     string
	ref      string
	typeName string
	complex  *complexType
	simple   *simpleType
}

type particleKind int

const (
	particleElement particleKind = iota
	particleSequence
	particleChoice
	particleAll
	particleAny
)

type particle struct {
	kind     particleKind
	elem     *elementDecl
	items    []*particle
	min, max int // max < 0 = unbounded
}

type attributeDecl struct {
	name     string
	typeName string
	simple   *simpleType
	required bool
}

type complexType struct {
	name        string
	content     *particle // nil = vacío
	attrs       []attributeDecl
	simpleBase  string // simpleContent
	simpleInner *simpleType
	mixed       bool
}

type simpleType struct {
	name       string
	base       string
	baseInline *simpleType
	patterns   []*regexp.Regexp
	enums      []string
	length     *int
	minLength  *int
	maxLength  *int
	minIncl    *big.Rat
	maxIncl    *big.Rat
	totalDig   *int
	fracDig    *int
	list       bool
}

// LoadSchema compila el XSD en path, siguiendo include/import.
func LoadSchema(path string) (*Schema, error) {
	s := newSchema()
	if err := s.loadFile(path, map[string]bool{}); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseSchema compila un XSD en memoria. Los include/import se ignoran.
func ParseSchema(data []byte) (*Schema, error) {
	s := newSchema()
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("xsd: %w", err)
	}
	if err := s.compile(doc.Root(), "", nil); err != nil {
		return nil, err
	}
	return s, nil
}

func newSchema() *Schema {
	return &Schema{
		elements:     map[string]*elementDecl{},
		complexTypes: map[string]*complexType{},
		simpleTypes:  map[string]*simpleType{},
	}
}

func (s *Schema) loadFile(path string, seen map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if seen[abs] {
		return nil
	}
	seen[abs] = true

	b, err := os.ReadFile(abs)
	if err != nil {
		return &domain.ConfigurationError{Field: "nfse.schema_path", Reason: err.Error()}
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(b); err != nil {
		return fmt.Errorf("xsd %s: %w", filepath.Base(abs), err)
	}
	return s.compile(doc.Root(), filepath.Dir(abs), seen)
}

func (s *Schema) compile(root *etree.Element, dir string, seen map[string]bool) error {
	if root == nil || root.Tag != "schema" {
		return fmt.Errorf("xsd: raiz <schema> ausente")
	}
	for _, c := range root.ChildElements() {
		switch c.Tag {
		case "include", "import":
			loc := c.SelectAttrValue("schemaLocation", "")
			if loc == "" || seen == nil {
				continue
			}
			if err := s.loadFile(filepath.Join(dir, loc), seen); err != nil {
				return err
			}
		case "element":
			d := s.compileElement(c)
			s.elements[d.name] = d
		case "complexType":
			ct := s.compileComplex(c)
			s.complexTypes[ct.name] = ct
		case "simpleType":
			st := s.compileSimple(c)
			s.simpleTypes[st.name] = st
		}
	}
	return nil
}

func (s *Schema) compileElement(e *etree.Element) *elementDecl {
	d := &elementDecl{
		name:     e.SelectAttrValue("name", ""),
		ref:      localName(e.SelectAttrValue("ref", "")),
		typeName: localName(e.SelectAttrValue("type", "")),
	}
	if d.name == "" {
		d.name = d.ref
	}
	if ct := e.SelectElement("complexType"); ct != nil {
		d.complex = s.compileComplex(ct)
	}
	if st := e.SelectElement("simpleType"); st != nil {
		d.simple = s.compileSimple(st)
	}
	return d
}

func (s *Schema) compileComplex(e *etree.Element) *complexType {
	ct := &complexType{
		name:  e.SelectAttrValue("name", ""),
		mixed: e.SelectAttrValue("mixed", "") == "true",
	}
	for _, c := range e.ChildElements() {
		switch c.Tag {
		case "sequence", "choice", "all":
			ct.content = s.compileParticle(c)
		case "attribute":
			ct.attrs = append(ct.attrs, s.compileAttribute(c))
		case "simpleContent":
			for _, ext := range c.ChildElements() {
				if ext.Tag != "extension" && ext.Tag != "restriction" {
					continue
				}
				ct.simpleBase = localName(ext.SelectAttrValue("base", ""))
				if ext.Tag == "restriction" {
					ct.simpleInner = s.compileSimple(ext.Parent())
				}
				for _, a := range ext.SelectElements("attribute") {
					ct.attrs = append(ct.attrs, s.compileAttribute(a))
				}
			}
		case "complexContent":
			// extension de un complexType: base + contenido propio en secuencia.
			for _, ext := range c.ChildElements() {
				base := localName(ext.SelectAttrValue("base", ""))
				seq := &particle{kind: particleSequence, min: 1, max: 1}
				if bt, ok := s.complexTypes[base]; ok && bt.content != nil {
					seq.items = append(seq.items, bt.content)
					ct.attrs = append(ct.attrs, bt.attrs...)
				}
				for _, inner := range ext.ChildElements() {
					switch inner.Tag {
					case "sequence", "choice", "all":
						seq.items = append(seq.items, s.compileParticle(inner))
					case "attribute":
						ct.attrs = append(ct.attrs, s.compileAttribute(inner))
					}
				}
				ct.content = seq
			}
		}
	}
	return ct
}

func (s *Schema) compileParticle(e *etree.Element) *particle {
	p := &particle{min: occurs(e, "minOccurs", 1), max: occurs(e, "maxOccurs", 1)}
	switch e.Tag {
	case "element":
		p.kind = particleElement
		p.elem = s.compileElement(e)
		return p
	case "any":
		p.kind = particleAny
		return p
	case "sequence":
		p.kind = particleSequence
	case "choice":
		p.kind = particleChoice
	case "all":
		p.kind = particleAll
	}
	for _, c := range e.ChildElements() {
		switch c.Tag {
		case "element", "sequence", "choice", "any":
			p.items = append(p.items, s.compileParticle(c))
		}
	}
	return p
}

func (s *Schema) compileAttribute(e *etree.Element) attributeDecl {
	a := attributeDecl{
		name:     e.SelectAttrValue("name", ""),
		typeName: localName(e.SelectAttrValue("type", "")),
		required: e.SelectAttrValue("use", "") == "required",
	}
	if st := e.SelectElement("simpleType"); st != nil {
		a.simple = s.compileSimple(st)
	}
	return a
}

func (s *Schema) compileSimple(e *etree.Element) *simpleType {
	st := &simpleType{name: e.SelectAttrValue("name", "")}
	restr := e.SelectElement("restriction")
	if restr == nil {
		if l := e.SelectElement("list"); l != nil {
			st.list = true
			st.base = localName(l.SelectAttrValue("itemType", ""))
		}
		if u := e.SelectElement("union"); u != nil {
			st.base = "string"
		}
		return st
	}
	st.base = localName(restr.SelectAttrValue("base", ""))
	if inner := restr.SelectElement("simpleType"); inner != nil {
		st.baseInline = s.compileSimple(inner)
	}
	for _, f := range restr.ChildElements() {
		v := f.SelectAttrValue("value", "")
		switch f.Tag {
		case "pattern":
			re, err := compileXSDPattern(v)
			if err != nil {
				logger.Named("xmldoc").Warn("pattern XSD não suportado; ignorado",
					logger.String("type", st.name), logger.String("pattern", v), logger.Err(err))
				continue
			}
			st.patterns = append(st.patterns, re)
		case "enumeration":
			st.enums = append(st.enums, v)
		case "length":
			st.length = intPtr(v)
		case "minLength":
			st.minLength = intPtr(v)
		case "maxLength":
			st.maxLength = intPtr(v)
		case "minInclusive":
			st.minIncl = ratPtr(v)
		case "maxInclusive":
			st.maxIncl = ratPtr(v)
		case "totalDigits":
			st.totalDig = intPtr(v)
		case "fractionDigits":
			st.fracDig = intPtr(v)
		}
	}
	return st
}

// =================================================================================
// VALIDACIÓN
// =================================================================================

// ValidateAgainstSchema valida xml contra schema y retorna
// *domain.SchemaValidationError con todas las violaciones encontradas.
func ValidateAgainstSchema(xml string, schema *Schema) error {
	if schema == nil {
		return nil
	}
	return schema.Validate(xml)
}

// Validate valida el documento completo.
func (s *Schema) Validate(xml string) error {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(xml); err != nil {
		return &domain.SchemaValidationError{Messages: []string{"xml mal formado: " + err.Error()}}
	}
	root := doc.Root()
	if root == nil {
		return &domain.SchemaValidationError{Messages: []string{"documento vazio"}}
	}

	v := &validator{schema: s}
	decl, ok := s.elements[root.Tag]
	if !ok {
		v.errorf("/%s: elemento raiz não declarado no schema", root.Tag)
	} else {
		v.element(root, decl, "/"+root.Tag)
	}
	if len(v.errs) > 0 {
		return &domain.SchemaValidationError{Messages: v.errs}
	}
	return nil
}

type validator struct {
	schema *Schema
	errs   []string
}

func (v *validator) errorf(format string, args ...any) {
	v.errs = append(v.errs, fmt.Sprintf(format, args...))
}

func (v *validator) resolve(d *elementDecl) *elementDecl {
	if d.ref != "" && d.typeName == "" && d.complex == nil && d.simple == nil {
		if g, ok := v.schema.elements[d.ref]; ok {
			return g
		}
	}
	return d
}

func (v *validator) element(e *etree.Element, d *elementDecl, path string) {
	d = v.resolve(d)
	switch {
	case d.complex != nil:
		v.complex(e, d.complex, path)
	case d.simple != nil:
		v.noChildren(e, path)
		v.simpleValue(strings.TrimSpace(e.Text()), d.simple, path)
	case d.typeName != "":
		if ct, ok := v.schema.complexTypes[d.typeName]; ok {
			v.complex(e, ct, path)
			return
		}
		v.noChildren(e, path)
		v.namedSimple(strings.TrimSpace(e.Text()), d.typeName, path)
	}
}

func (v *validator) noChildren(e *etree.Element, path string) {
	for _, c := range e.ChildElements() {
		v.errorf("%s: elemento '%s' não permitido em conteúdo simples", path, c.Tag)
	}
}

func (v *validator) complex(e *etree.Element, ct *complexType, path string) {
	v.attributes(e, ct, path)

	if ct.simpleBase != "" || ct.simpleInner != nil {
		v.noChildren(e, path)
		text := strings.TrimSpace(e.Text())
		if ct.simpleInner != nil {
			v.simpleValue(text, ct.simpleInner, path)
		} else {
			v.namedSimple(text, ct.simpleBase, path)
		}
		return
	}

	if !ct.mixed {
		for _, tok := range e.Child {
			if cd, ok := tok.(*etree.CharData); ok && !cd.IsWhitespace() {
				v.errorf("%s: texto não permitido em conteúdo complexo", path)
				break
			}
		}
	}

	kids := e.ChildElements()
	if ct.content == nil {
		for _, k := range kids {
			v.errorf("%s: elemento '%s' não esperado", path, k.Tag)
		}
		return
	}

	var i int
	switch ct.content.kind {
	case particleSequence:
		for _, item := range ct.content.items {
			i = v.many(item, kids, i, path)
		}
	case particleAll:
		i = v.all(ct.content, kids, path)
	default:
		i = v.many(ct.content, kids, i, path)
	}
	for ; i < len(kids); i++ {
		v.errorf("%s: elemento '%s' não esperado", path, kids[i].Tag)
	}
}

func (v *validator) attributes(e *etree.Element, ct *complexType, path string) {
	for _, a := range ct.attrs {
		attr := e.SelectAttr(a.name)
		if attr == nil {
			if a.required {
				v.errorf("%s: atributo obrigatório '%s' ausente", path, a.name)
			}
			continue
		}
		p := path + "/@" + a.name
		if a.simple != nil {
			v.simpleValue(attr.Value, a.simple, p)
		} else if a.typeName != "" {
			v.namedSimple(attr.Value, a.typeName, p)
		}
	}
}

// many consume entre p.min y p.max ocurrencias de p desde i.
func (v *validator) many(p *particle, kids []*etree.Element, i int, path string) int {
	count := 0
	for p.max < 0 || count < p.max {
		j, ok := v.once(p, kids, i, path)
		if !ok || j == i {
			break
		}
		i = j
		count++
	}
	if count < p.min {
		v.errorf("%s: %s obrigatório ausente (mínimo %d, encontrado %d)", path, v.describe(p), p.min, count)
	}
	return i
}

func (v *validator) once(p *particle, kids []*etree.Element, i int, path string) (int, bool) {
	if i >= len(kids) {
		return i, false
	}
	switch p.kind {
	case particleElement:
		if kids[i].Tag != v.resolve(p.elem).name {
			return i, false
		}
		v.element(kids[i], p.elem, path+"/"+kids[i].Tag)
		return i + 1, true
	case particleAny:
		return i + 1, true
	case particleSequence:
		if !v.startsWith(p, kids[i]) {
			return i, false
		}
		for _, item := range p.items {
			i = v.many(item, kids, i, path)
		}
		return i, true
	case particleChoice:
		for _, branch := range p.items {
			if v.startsWith(branch, kids[i]) {
				return v.many(branch, kids, i, path), true
			}
		}
		return i, false
	case particleAll:
		return v.all(p, kids[i:], path) + i, true
	}
	return i, false
}

// all valida un grupo xs:all: cualquier orden, cada hijo a lo sumo una vez.
func (v *validator) all(p *particle, kids []*etree.Element, path string) int {
	seen := map[string]int{}
	i := 0
	for ; i < len(kids); i++ {
		matched := false
		for _, item := range p.items {
			if item.kind == particleElement && v.resolve(item.elem).name == kids[i].Tag {
				v.element(kids[i], item.elem, path+"/"+kids[i].Tag)
				seen[kids[i].Tag]++
				matched = true
				break
			}
		}
		if !matched {
			break
		}
	}
	for _, item := range p.items {
		if item.kind != particleElement {
			continue
		}
		name := v.resolve(item.elem).name
		if n := seen[name]; n < item.min {
			v.errorf("%s: elemento '%s' obrigatório ausente", path, name)
		} else if n > 1 {
			v.errorf("%s: elemento '%s' repetido", path, name)
		}
	}
	return i
}

func (v *validator) startsWith(p *particle, e *etree.Element) bool {
	switch p.kind {
	case particleElement:
		return v.resolve(p.elem).name == e.Tag
	case particleAny:
		return true
	case particleChoice, particleAll:
		for _, it := range p.items {
			if v.startsWith(it, e) {
				return true
			}
		}
	case particleSequence:
		for _, it := range p.items {
			if v.startsWith(it, e) {
				return true
			}
			if it.min > 0 {
				return false
			}
		}
	}
	return false
}

func (v *validator) describe(p *particle) string {
	switch p.kind {
	case particleElement:
		return fmt.Sprintf("elemento '%s'", v.resolve(p.elem).name)
	case particleChoice:
		names := make([]string, 0, len(p.items))
		for _, it := range p.items {
			names = append(names, v.describe(it))
		}
		return "escolha entre [" + strings.Join(names, " | ") + "]"
	case particleSequence:
		if len(p.items) > 0 {
			return "sequência iniciada por " + v.describe(p.items[0])
		}
	}
	return "grupo"
}

func (v *validator) namedSimple(value, typeName, path string) {
	if st, ok := v.schema.simpleTypes[typeName]; ok {
		v.simpleValue(value, st, path)
		return
	}
	if msg := checkBuiltin(value, typeName); msg != "" {
		v.errorf("%s: valor '%s' %s", path, value, msg)
	}
}

func (v *validator) simpleValue(value string, st *simpleType, path string) {
	switch {
	case st.list:
		for _, item := range strings.Fields(value) {
			v.namedSimple(item, st.base, path)
		}
		return
	case st.baseInline != nil:
		v.simpleValue(value, st.baseInline, path)
	case st.base != "":
		v.namedSimple(value, st.base, path)
	}

	n := utf8.RuneCountInString(value)
	if st.length != nil && n != *st.length {
		v.errorf("%s: valor '%s' deve ter exatamente %d caracteres", path, value, *st.length)
	}
	if st.minLength != nil && n < *st.minLength {
		v.errorf("%s: valor '%s' menor que o mínimo de %d caracteres", path, value, *st.minLength)
	}
	if st.maxLength != nil && n > *st.maxLength {
		v.errorf("%s: valor '%s' maior que o máximo de %d caracteres", path, value, *st.maxLength)
	}
	if len(st.enums) > 0 && !contains(st.enums, value) {
		v.errorf("%s: valor '%s' não pertence à enumeração %v", path, value, st.enums)
	}
	if len(st.patterns) > 0 {
		ok := false
		for _, re := range st.patterns {
			if re.MatchString(value) {
				ok = true
				break
			}
		}
		if !ok {
			v.errorf("%s: valor '%s' não corresponde ao padrão %s", path, value, st.patterns[0].String())
		}
	}
	if st.minIncl != nil || st.maxIncl != nil || st.totalDig != nil || st.fracDig != nil {
		r, ok := new(big.Rat).SetString(value)
		if !ok {
			v.errorf("%s: valor '%s' não é numérico", path, value)
			return
		}
		if st.minIncl != nil && r.Cmp(st.minIncl) < 0 {
			v.errorf("%s: valor '%s' abaixo do mínimo %s", path, value, st.minIncl.RatString())
		}
		if st.maxIncl != nil && r.Cmp(st.maxIncl) > 0 {
			v.errorf("%s: valor '%s' acima do máximo %s", path, value, st.maxIncl.RatString())
		}
		intPart, frac := splitDigits(value)
		if st.fracDig != nil && len(frac) > *st.fracDig {
			v.errorf("%s: valor '%s' excede %d casas decimais", path, value, *st.fracDig)
		}
		if st.totalDig != nil && len(strings.TrimLeft(intPart, "0"))+len(frac) > *st.totalDig {
			v.errorf("%s: valor '%s' excede %d dígitos", path, value, *st.totalDig)
		}
	}
}

var (
	reDecimal  = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)
	reInteger  = regexp.MustCompile(`^[+-]?\d+$`)
	reDate     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}(Z|[+-]\d{2}:\d{2})?$`)
	reDateTime = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)
)

// checkBuiltin valida los tipos primitivos más usados; "" = válido.
func checkBuiltin(value, typeName string) string {
	switch typeName {
	case "decimal", "double", "float":
		if !reDecimal.MatchString(value) {
			return "não é decimal"
		}
	case "integer", "int", "long", "short", "byte":
		if !reInteger.MatchString(value) {
			return "não é inteiro"
		}
	case "nonNegativeInteger", "unsignedInt", "unsignedLong", "unsignedShort", "unsignedByte":
		if !reInteger.MatchString(value) || strings.HasPrefix(value, "-") {
			return "não é inteiro não negativo"
		}
	case "positiveInteger":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n <= 0 {
			return "não é inteiro positivo"
		}
	case "boolean":
		switch value {
		case "true", "false", "1", "0":
		default:
			return "não é booleano"
		}
	case "date":
		if !reDate.MatchString(value) {
			return "não é data (AAAA-MM-DD)"
		}
		if _, err := time.Parse("2006-01-02", value[:10]); err != nil {
			return "não é data válida"
		}
	case "dateTime":
		if !reDateTime.MatchString(value) {
			return "não é data/hora (AAAA-MM-DDThh:mm:ss)"
		}
	}
	return ""
}

// compileXSDPattern traduce un pattern XSD (siempre anclado) a regexp de Go.
// Las clases \i y \c (nombres XML) no tienen equivalente y fallan al compilar.
func compileXSDPattern(p string) (*regexp.Regexp, error) {
	if strings.Contains(p, `\i`) || strings.Contains(p, `\c`) {
		return nil, fmt.Errorf("classe de caracteres não suportada")
	}
	return regexp.Compile(`^(?:` + p + `)$`)
}

func occurs(e *etree.Element, attr string, dflt int) int {
	v := e.SelectAttrValue(attr, "")
	if v == "" {
		return dflt
	}
	if v == "unbounded" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return dflt
	}
	return n
}

func localName(qname string) string {
	if i := strings.IndexByte(qname, ':'); i >= 0 {
		return qname[i+1:]
	}
	return qname
}

func intPtr(v string) *int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func ratPtr(v string) *big.Rat {
	r, ok := new(big.Rat).SetString(v)
	if !ok {
		return nil
	}
	return r
}

func splitDigits(v string) (intPart, frac string) {
	v = strings.TrimLeft(v, "+-")
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i], strings.TrimRight(v[i+1:], "0")
	}
	return v, ""
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
