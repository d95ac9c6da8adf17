package api

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/botpros-admin/qb-bitrix-connector/internal/service"
)

const (
	qbwcNamespace = "http://developer.intuit.com/"
	soapNamespace = "http://schemas.xmlsoap.org/soap/envelope/"

	maxSOAPBody = 32 << 20
)

var errEmptyBody = errors.New("soap body has no operation")

// soapCall carries the parameters of every QBWC operation; each call fills its own subset.
type soapCall struct {
	XMLName xml.Name

	UserName string `xml:"strUserName"`
	Password string `xml:"strPassword"`

	Ticket          string `xml:"ticket"`
	HCPResponse     string `xml:"strHCPResponse"`
	CompanyFileName string `xml:"strCompanyFileName"`
	Country         string `xml:"qbXMLCountry"`
	MajorVersion    string `xml:"qbXMLMajorVers"`
	MinorVersion    string `xml:"qbXMLMinorVers"`

	Response string `xml:"response"`
	HResult  string `xml:"hresult"`
	Message  string `xml:"message"`

	Version string `xml:"strVersion"`
}

type soapEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

// parseSOAPCall extracts the first element of the SOAP body.
func parseSOAPCall(data []byte) (*soapCall, error) {
	var env soapEnvelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid soap envelope: %w", err)
	}

	dec := xml.NewDecoder(bytes.NewReader(env.Body.Inner))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, errEmptyBody
		}
		if err != nil {
			return nil, fmt.Errorf("invalid soap body: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		var call soapCall
		if err := dec.DecodeElement(&call, &start); err != nil {
			return nil, fmt.Errorf("invalid %s call: %w", start.Name.Local, err)
		}
		return &call, nil
	}
}

func (s *HTTPServer) handleSOAP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		if q := r.URL.Query(); q.Has("wsdl") || q.Has("WSDL") {
			s.writeWSDL(w, r)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxSOAPBody))
	if err != nil {
		writeSOAPFault(w, "soap:Client", "failed to read request")
		return
	}
	call, err := parseSOAPCall(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Rejected SOAP request")
		writeSOAPFault(w, "soap:Client", err.Error())
		return
	}

	ctx := r.Context()
	op := call.XMLName.Local
	switch op {
	case "authenticate":
		ticket, directive, err := s.connector.Authenticate(ctx, call.UserName, call.Password)
		if err != nil && !errors.Is(err, service.ErrInvalidCredentials) {
			s.logger.Error().Err(err).Msg("authenticate failed")
			writeSOAPFault(w, "soap:Server", "failed to start session")
			return
		}
		writeSOAPResponse(w, op, stringArray(ticket, directive))
	case "sendRequestXML":
		client := service.ClientContext{
			HCPResponse:     call.HCPResponse,
			CompanyFileName: call.CompanyFileName,
			Country:         call.Country,
			MajorVersion:    atoi(call.MajorVersion),
			MinorVersion:    atoi(call.MinorVersion),
		}
		writeSOAPResponse(w, op, escape(s.connector.NextRequest(ctx, call.Ticket, client)))
	case "receiveResponseXML":
		progress := s.connector.SubmitResponse(ctx, call.Ticket, call.Response, call.HResult, call.Message)
		writeSOAPResponse(w, op, strconv.Itoa(progress))
	case "getLastError":
		writeSOAPResponse(w, op, escape(s.connector.LastError(ctx, call.Ticket)))
	case "connectionError":
		// QBWC reports it could not open the company file; there is nothing to retry with.
		s.logger.Error().Str("ticket", call.Ticket).Str("hresult", call.HResult).Str("message", call.Message).Msg("Web Connector connection error")
		writeSOAPResponse(w, op, "done")
	case "closeConnection":
		writeSOAPResponse(w, op, escape(s.connector.Close(ctx, call.Ticket)))
	case "clientVersion":
		writeSOAPResponse(w, op, escape(s.connector.ClientVersion(call.Version)))
	case "serverVersion":
		writeSOAPResponse(w, op, escape(s.connector.ServerVersion()))
	default:
		writeSOAPFault(w, "soap:Client", fmt.Sprintf("unknown operation %q", op))
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func escape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func stringArray(values ...string) string {
	var sb strings.Builder
	for _, v := range values {
		sb.WriteString("<string>")
		sb.WriteString(escape(v))
		sb.WriteString("</string>")
	}
	return sb.String()
}

// writeSOAPResponse wraps an already escaped result body into <opResponse><opResult>.
func writeSOAPResponse(w http.ResponseWriter, op, result string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?>`+
		`<soap:Envelope xmlns:soap="%s" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:xsd="http://www.w3.org/2001/XMLSchema">`+
		`<soap:Body><%sResponse xmlns="%s"><%sResult>%s</%sResult></%sResponse></soap:Body></soap:Envelope>`,
		soapNamespace, op, qbwcNamespace, op, result, op, op)
}

func writeSOAPFault(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?>`+
		`<soap:Envelope xmlns:soap="%s"><soap:Body><soap:Fault>`+
		`<faultcode>%s</faultcode><faultstring>%s</faultstring>`+
		`</soap:Fault></soap:Body></soap:Envelope>`,
		soapNamespace, code, escape(message))
}
