// Package mpesa is the payment-rail client: it initiates push-to-pay
// requests and reversal requests, and decodes the rail's callback
// payloads (spec §4.5).
package mpesa

import "github.com/shopspring/decimal"

// PushRequest is the outbound STK push body (§6).
type PushRequest struct {
	BusinessShortCode string
	Password          string
	Timestamp         string
	TransactionType   string
	Amount            int64 // major currency units, integer
	PartyA            string
	PartyB            string
	PhoneNumber       string
	CallBackURL       string
	AccountReference  string
	TransactionDesc   string
}

// PushResponse is the rail's synchronous acknowledgement of a push.
type PushResponse struct {
	ResponseCode      string `json:"ResponseCode"`
	ResponseDesc      string `json:"ResponseDescription"`
	CustomerMessage   string `json:"CustomerMessage"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	MerchantRequestID string `json:"MerchantRequestID"`
}

// ReversalRequest is the outbound transaction-reversal body (§6).
type ReversalRequest struct {
	Initiator              string
	SecurityCredential     string
	CommandID              string
	TransactionID          string
	Amount                 int64
	ReceiverParty          string
	RecieverIdentifierType string
	QueueTimeOutURL        string
	ResultURL              string
	Remarks                string
	Occasion               string
}

// ReversalResponse is the rail's synchronous acknowledgement of a
// reversal submission.
type ReversalResponse struct {
	ResponseCode string `json:"ResponseCode"`
	ResponseDesc string `json:"ResponseDescription"`
	ConversationID string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
}

// CallbackMetadataItem is one {Name, Value} pair inside a payment
// callback's CallbackMetadata.Item array. Per spec §9, the shape is
// dynamic and items must be fished out by Name without panicking on a
// missing item.
type CallbackMetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// PaymentCallback is the STKCallback envelope delivered to
// POST /stk-callback.
type PaymentCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata   struct {
		Item []CallbackMetadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

// Amount extracts the confirmed amount from the callback metadata, if
// present.
func (p *PaymentCallback) Amount() (decimal.Decimal, bool) {
	v, ok := p.metadataItem("Amount")
	if !ok {
		return decimal.Decimal{}, false
	}
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

// MpesaReceiptNumber extracts the payment receipt from the callback
// metadata, if present.
func (p *PaymentCallback) MpesaReceiptNumber() (string, bool) {
	v, ok := p.metadataItem("MpesaReceiptNumber")
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// PhoneNumber extracts the payer MSISDN from the callback metadata,
// if present.
func (p *PaymentCallback) PhoneNumber() (string, bool) {
	v, ok := p.metadataItem("PhoneNumber")
	if !ok {
		return "", false
	}
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n).String(), true
	case string:
		return n, true
	default:
		return "", false
	}
}

func (p *PaymentCallback) metadataItem(name string) (interface{}, bool) {
	for _, item := range p.CallbackMetadata.Item {
		if item.Name == name {
			return item.Value, true
		}
	}
	return nil, false
}

// ReversalResultCallback is delivered to POST /daraja-reversal-result.
type ReversalResultCallback struct {
	Result struct {
		ResultCode             int    `json:"ResultCode"`
		ResultDesc             string `json:"ResultDesc"`
		TransactionID          string `json:"TransactionID"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
	} `json:"Result"`
}

// ReversalTimeoutCallback is delivered to POST /daraja-reversal-timeout.
type ReversalTimeoutCallback struct {
	Result struct {
		ResultCode             int    `json:"ResultCode"`
		ResultDesc             string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
	} `json:"Result"`
}

// AckResponse is the fixed 200 response every callback endpoint must
// return to suppress rail-side retries (spec §4.5, §7).
type AckResponse struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func Ack(desc string) AckResponse {
	return AckResponse{ResultCode: 0, ResultDesc: desc}
}
