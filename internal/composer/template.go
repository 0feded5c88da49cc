package composer

import "html/template"

// ticketTemplate is the fixed single-page ticket layout.  Page size comes
// from configuration; everything else scales with it.
var ticketTemplate = template.Must(template.New("ticket").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Ticket {{.TicketID}}</title>
<meta name="ticket-document-key" content="{{.DocumentKey}}">
<style>
@page { size: {{.PageWidth}} {{.PageHeight}}; margin: 0; }
html, body { margin: 0; padding: 0; }
body { width: {{.PageWidth}}; height: {{.PageHeight}}; font-family: "DejaVu Sans", Arial, sans-serif; color: #111; overflow: hidden; }
.sheet { box-sizing: border-box; width: 100%; height: 100%; padding: 0.25in; display: flex; flex-direction: column; }
.event { font-size: 20pt; font-weight: bold; margin: 0 0 0.1in 0; }
.row { display: flex; justify-content: space-between; font-size: 10pt; margin: 0.04in 0; }
.label { color: #555; text-transform: uppercase; letter-spacing: 0.05em; }
.qr { margin: auto; text-align: center; }
.qr img { width: 2.2in; height: 2.2in; image-rendering: pixelated; }
.code { font-family: "DejaVu Sans Mono", monospace; font-size: 9pt; letter-spacing: 0.08em; }
.foot { font-size: 7pt; color: #777; text-align: center; }
</style>
</head>
<body>
<div class="sheet">
  <div class="event">{{.Event}}</div>
  <div class="row"><span class="label">Holder</span><span>{{.Holder}}</span></div>
  <div class="row"><span class="label">Seat</span><span>{{.Seat}}</span></div>
  <div class="row"><span class="label">Ticket</span><span>{{.TicketID}}</span></div>
  {{- if .Issued}}
  <div class="row"><span class="label">Issued</span><span>{{.Issued}}</span></div>
  {{- end}}
  <div class="qr">
    <img class="qr" alt="Ticket verification code" src="{{.QRDataURI}}">
    {{- if .ManualCode}}
    <div class="code">{{.ManualCode}}</div>
    {{- end}}
  </div>
  <div class="foot">Present this code at the entrance. Altered tickets are rejected.</div>
</div>
</body>
</html>
`))

type templateData struct {
	TicketID    string
	DocumentKey string
	Event       string
	Holder      string
	Seat        string
	Issued      string
	ManualCode  string
	QRDataURI   template.URL
	PageWidth   template.CSS
	PageHeight  template.CSS
}
