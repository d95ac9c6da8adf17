package api

import (
	"fmt"
	"net/http"
	"strings"
)

// wsdlOperation describes one QBWC call: its input parts and result type.
type wsdlOperation struct {
	name   string
	params []string
	result string
}

var wsdlOperations = []wsdlOperation{
	{name: "authenticate", params: []string{"strUserName", "strPassword"}, result: "tns:ArrayOfString"},
	{name: "sendRequestXML", params: []string{"ticket", "strHCPResponse", "strCompanyFileName", "qbXMLCountry", "qbXMLMajorVers", "qbXMLMinorVers"}, result: "s:string"},
	{name: "receiveResponseXML", params: []string{"ticket", "response", "hresult", "message"}, result: "s:int"},
	{name: "connectionError", params: []string{"ticket", "hresult", "message"}, result: "s:string"},
	{name: "getLastError", params: []string{"ticket"}, result: "s:string"},
	{name: "closeConnection", params: []string{"ticket"}, result: "s:string"},
	{name: "clientVersion", params: []string{"strVersion"}, result: "s:string"},
	{name: "serverVersion", result: "s:string"},
}

var wsdlIntParams = map[string]bool{"qbXMLMajorVers": true, "qbXMLMinorVers": true}

func (s *HTTPServer) writeWSDL(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	location := fmt.Sprintf("%s://%s/soap", scheme, r.Host)

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(buildWSDL(escape(location))))
}

func buildWSDL(location string) string {
	var types, messages, portOps, bindingOps strings.Builder

	for _, op := range wsdlOperations {
		fmt.Fprintf(&types, `<s:element name="%s"><s:complexType><s:sequence>`, op.name)
		for _, p := range op.params {
			typ := "s:string"
			if wsdlIntParams[p] {
				typ = "s:int"
			}
			fmt.Fprintf(&types, `<s:element minOccurs="0" maxOccurs="1" name="%s" type="%s"/>`, p, typ)
		}
		types.WriteString(`</s:sequence></s:complexType></s:element>`)
		fmt.Fprintf(&types, `<s:element name="%sResponse"><s:complexType><s:sequence>`+
			`<s:element minOccurs="0" maxOccurs="1" name="%sResult" type="%s"/>`+
			`</s:sequence></s:complexType></s:element>`, op.name, op.name, op.result)

		fmt.Fprintf(&messages, `<wsdl:message name="%[1]sSoapIn"><wsdl:part name="parameters" element="tns:%[1]s"/></wsdl:message>`+
			`<wsdl:message name="%[1]sSoapOut"><wsdl:part name="parameters" element="tns:%[1]sResponse"/></wsdl:message>`, op.name)

		fmt.Fprintf(&portOps, `<wsdl:operation name="%[1]s"><wsdl:input message="tns:%[1]sSoapIn"/><wsdl:output message="tns:%[1]sSoapOut"/></wsdl:operation>`, op.name)

		fmt.Fprintf(&bindingOps, `<wsdl:operation name="%[1]s"><soap:operation soapAction="%[2]s%[1]s" style="document"/>`+
			`<wsdl:input><soap:body use="literal"/></wsdl:input><wsdl:output><soap:body use="literal"/></wsdl:output></wsdl:operation>`,
			op.name, qbwcNamespace)
	}

	return `<?xml version="1.0" encoding="utf-8"?>` +
		`<wsdl:definitions xmlns:s="http://www.w3.org/2001/XMLSchema" xmlns:soap="http://schemas.xmlsoap.org/wsdl/soap/" ` +
		`xmlns:tns="` + qbwcNamespace + `" xmlns:wsdl="http://schemas.xmlsoap.org/wsdl/" targetNamespace="` + qbwcNamespace + `">` +
		`<wsdl:types><s:schema elementFormDefault="qualified" targetNamespace="` + qbwcNamespace + `">` +
		`<s:complexType name="ArrayOfString"><s:sequence><s:element minOccurs="0" maxOccurs="unbounded" name="string" nillable="true" type="s:string"/></s:sequence></s:complexType>` +
		types.String() +
		`</s:schema></wsdl:types>` +
		messages.String() +
		`<wsdl:portType name="QBWebConnectorSvcSoap">` + portOps.String() + `</wsdl:portType>` +
		`<wsdl:binding name="QBWebConnectorSvcSoap" type="tns:QBWebConnectorSvcSoap"><soap:binding transport="http://schemas.xmlsoap.org/soap/http"/>` +
		bindingOps.String() + `</wsdl:binding>` +
		`<wsdl:service name="QBWebConnectorSvc"><wsdl:port name="QBWebConnectorSvcSoap" binding="tns:QBWebConnectorSvcSoap">` +
		`<soap:address location="` + location + `"/></wsdl:port></wsdl:service>` +
		`</wsdl:definitions>`
}
