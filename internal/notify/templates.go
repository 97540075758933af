package notify

import (
	"bytes"
	"fmt"
	"html/template"
	texttemplate "text/template"
)

type message struct {
	subject string
	text    string
	html    string
}

var catalog = map[string]message{
	TemplateSignatureRequested: {
		subject: "Assinatura pendente: {{.documentType}}",
		text:    "Há uma assinatura pendente para o documento {{.documentType}}.\nAprove pelo QR code: {{.qrCodeUrl}}\nExpira em: {{.expiresAt}}\n",
		html:    `<p>Há uma assinatura pendente para o documento <b>{{.documentType}}</b>.</p><p><a href="{{.qrCodeUrl}}">Aprovar assinatura</a></p><p>Expira em {{.expiresAt}}.</p>`,
	},
	TemplatePaymentReceived: {
		subject: "Pagamento recebido",
		text:    "Recebemos o pagamento {{.identifier}} ({{.kind}}) no valor de {{.amount}}.\n",
		html:    `<p>Recebemos o pagamento <b>{{.identifier}}</b> ({{.kind}}) no valor de {{.amount}}.</p>`,
	},
	TemplatePaymentReturned: {
		subject: "Pagamento devolvido",
		text:    "O pagamento {{.identifier}} foi devolvido.\n",
		html:    `<p>O pagamento <b>{{.identifier}}</b> foi devolvido.</p>`,
	},
	TemplateChargeExpired: {
		subject: "Cobrança vencida",
		text:    "A cobrança {{.identifier}} venceu sem pagamento.\n",
		html:    `<p>A cobrança <b>{{.identifier}}</b> venceu sem pagamento.</p>`,
	},
	TemplateChargeCancelled: {
		subject: "Cobrança cancelada",
		text:    "A cobrança {{.identifier}} foi cancelada.\n",
		html:    `<p>A cobrança <b>{{.identifier}}</b> foi cancelada.</p>`,
	},
}

// Render retorna subject, html y texto del template con args.
func Render(name string, args map[string]any) (subject, htmlBody, textBody string, err error) {
	msg, ok := catalog[name]
	if !ok {
		return "", "", "", fmt.Errorf("notify: template %q desconhecido", name)
	}
	if subject, err = renderText(name+".subject", msg.subject, args); err != nil {
		return
	}
	if textBody, err = renderText(name+".text", msg.text, args); err != nil {
		return
	}
	t, err := template.New(name + ".html").Option("missingkey=zero").Parse(msg.html)
	if err != nil {
		return "", "", "", err
	}
	var buf bytes.Buffer
	if err = t.Execute(&buf, args); err != nil {
		return "", "", "", err
	}
	return subject, buf.String(), textBody, nil
}

func renderText(name, src string, args map[string]any) (string, error) {
	t, err := texttemplate.New(name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, args); err != nil {
		return "", err
	}
	return buf.String(), nil
}
