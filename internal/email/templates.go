package email

import (
	"bytes"
	"fmt"
	"html/template"
)

// Line is one item row in a notification.
type Line struct {
	Title    string
	Quantity int
	Price    string
}

// BuyerConfirmation is the data for the buyer's order confirmation.
type BuyerConfirmation struct {
	OrderID  string
	Lines    []Line
	Subtotal string
	Shipping string
	Total    string
	OrderURL string
}

// SellerNotification is the data for a seller's new-order email.
type SellerNotification struct {
	OrderID      string
	SellerID     string
	Lines        []Line
	Amount       string
	ProcessorFee string
	NetAmount    string
	DashboardURL string
}

// ShipmentNotice tells the buyer a seller shipped their items.
type ShipmentNotice struct {
	OrderID        string
	TrackingNumber string
	Lines          []Line
	OrderURL       string
}

var templates = template.Must(template.New("email").Parse(`
{{define "lines"}}<table>{{range .}}<tr><td>{{.Title}}</td><td>x{{.Quantity}}</td><td>${{.Price}}</td></tr>{{end}}</table>{{end}}

{{define "buyer"}}<h1>Thanks for your order</h1>
<p>Order <strong>{{.OrderID}}</strong> is confirmed.</p>
{{template "lines" .Lines}}
<p>Subtotal: ${{.Subtotal}}<br>Shipping: ${{.Shipping}}<br><strong>Total: ${{.Total}}</strong></p>
{{if .OrderURL}}<p><a href="{{.OrderURL}}">View your order</a></p>{{end}}{{end}}

{{define "seller"}}<h1>You have a new order</h1>
<p>Order <strong>{{.OrderID}}</strong> includes items you sell.</p>
{{template "lines" .Lines}}
<p>Amount: ${{.Amount}}<br>Processing fee: ${{.ProcessorFee}}<br><strong>You receive: ${{.NetAmount}}</strong></p>
{{if .DashboardURL}}<p><a href="{{.DashboardURL}}">Open your dashboard</a> to ship it.</p>{{end}}{{end}}

{{define "shipment"}}<h1>Your items are on the way</h1>
<p>Items from order <strong>{{.OrderID}}</strong> have shipped.</p>
{{if .TrackingNumber}}<p>Tracking number: {{.TrackingNumber}}</p>{{end}}
{{template "lines" .Lines}}
{{if .OrderURL}}<p><a href="{{.OrderURL}}">Track your order</a></p>{{end}}{{end}}
`))

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to render %s email: %w", name, err)
	}
	return buf.String(), nil
}

// RenderBuyerConfirmation builds the buyer's confirmation email.
func RenderBuyerConfirmation(to string, data BuyerConfirmation) (Message, error) {
	html, err := render("buyer", data)
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: fmt.Sprintf("Order %s confirmed", data.OrderID), HTML: html}, nil
}

// RenderSellerNotification builds a seller's new-order email.
func RenderSellerNotification(to string, data SellerNotification) (Message, error) {
	html, err := render("seller", data)
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: fmt.Sprintf("New order %s", data.OrderID), HTML: html}, nil
}

// RenderShipmentNotice builds the buyer's shipment email.
func RenderShipmentNotice(to string, data ShipmentNotice) (Message, error) {
	html, err := render("shipment", data)
	if err != nil {
		return Message{}, err
	}
	return Message{To: to, Subject: fmt.Sprintf("Order %s has shipped", data.OrderID), HTML: html}, nil
}
