package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MsgType tags every message exchanged with the gateway endpoints. The set
// is closed: Decode refuses types outside it so routing never degrades into
// a silent no-op.
type MsgType string

// Requests sent to the gateway.
const (
	MsgReqUserLogin           MsgType = "ReqUserLogin"
	MsgSubscribeMarketData    MsgType = "SubscribeMarketData"
	MsgUnSubscribeMarketData  MsgType = "UnSubscribeMarketData"
	MsgReqQryInvestorPosition MsgType = "ReqQryInvestorPosition"
	MsgReqQryInstrument       MsgType = "ReqQryInstrument"
	MsgReqOrderInsert         MsgType = "ReqOrderInsert"
)

// Responses and pushes received from the gateway.
const (
	MsgRspUserLogin           MsgType = "OnRspUserLogin"
	MsgRspSubMarketData       MsgType = "OnRspSubMarketData"
	MsgRspUnSubMarketData     MsgType = "OnRspUnSubMarketData"
	MsgRtnDepthMarketData     MsgType = "OnRtnDepthMarketData"
	MsgRspQryInvestorPosition MsgType = "OnRspQryInvestorPosition"
	MsgRspQryInstrument       MsgType = "OnRspQryInstrument"
	MsgRspOrderInsert         MsgType = "OnRspOrderInsert"
	MsgErrRtnOrderInsert      MsgType = "OnErrRtnOrderInsert"
	MsgRtnOrder               MsgType = "OnRtnOrder"
	MsgRtnTrade               MsgType = "OnRtnTrade"
	MsgRspError               MsgType = "OnRspError"
)

var knownMsgTypes = map[MsgType]struct{}{
	MsgReqUserLogin:           {},
	MsgSubscribeMarketData:    {},
	MsgUnSubscribeMarketData:  {},
	MsgReqQryInvestorPosition: {},
	MsgReqQryInstrument:       {},
	MsgReqOrderInsert:         {},
	MsgRspUserLogin:           {},
	MsgRspSubMarketData:       {},
	MsgRspUnSubMarketData:     {},
	MsgRtnDepthMarketData:     {},
	MsgRspQryInvestorPosition: {},
	MsgRspQryInstrument:       {},
	MsgRspOrderInsert:         {},
	MsgErrRtnOrderInsert:      {},
	MsgRtnOrder:               {},
	MsgRtnTrade:               {},
	MsgRspError:               {},
}

// Known reports whether t belongs to the closed message set.
func (t MsgType) Known() bool {
	_, ok := knownMsgTypes[t]
	return ok
}

// ErrUnrecognizedMessage marks a wire message whose MsgType is outside the
// closed set. Callers count and log these; they are never dispatched.
var ErrUnrecognizedMessage = errors.New("unrecognized message type")

// RspInfo is the gateway response header. ErrorID zero means success.
type RspInfo struct {
	ErrorID  int    `json:"ErrorID"`
	ErrorMsg string `json:"ErrorMsg"`
}

// OK reports success. A nil RspInfo counts as success: pushes carry no
// header at all.
func (r *RspInfo) OK() bool {
	return r == nil || r.ErrorID == 0
}

// Envelope is one JSON message on either gateway connection. Exactly one
// payload field is set depending on MsgType.
type Envelope struct {
	MsgType   MsgType  `json:"MsgType"`
	RspInfo   *RspInfo `json:"RspInfo,omitempty"`
	RequestID int64    `json:"RequestID,omitempty"`
	IsLast    bool     `json:"IsLast,omitempty"`

	ReqUserLogin        *LoginRequest        `json:"ReqUserLogin,omitempty"`
	RspUserLogin        *LoginResponse       `json:"RspUserLogin,omitempty"`
	InstrumentID        []string             `json:"InstrumentID,omitempty"`
	SpecificInstrument  *SpecificInstrument  `json:"SpecificInstrument,omitempty"`
	DepthMarketData     *DepthMarketData     `json:"DepthMarketData,omitempty"`
	QryInvestorPosition *QryInvestorPosition `json:"QryInvestorPosition,omitempty"`
	InvestorPosition    *InvestorPosition    `json:"InvestorPosition,omitempty"`
	QryInstrument       *QryInstrument       `json:"QryInstrument,omitempty"`
	Instrument          *Instrument          `json:"Instrument,omitempty"`
	InputOrder          *InputOrder          `json:"InputOrder,omitempty"`
	Order               *Order               `json:"Order,omitempty"`
	Trade               *Trade               `json:"Trade,omitempty"`
}

// Decode parses one wire message and validates its type against the closed
// set. Unknown or missing types return ErrUnrecognizedMessage.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if !env.MsgType.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnrecognizedMessage, string(env.MsgType))
	}
	return &env, nil
}

// LoginRequest carries the credentials for either endpoint.
type LoginRequest struct {
	BrokerID string `json:"BrokerID,omitempty"`
	UserID   string `json:"UserID"`
	Password string `json:"Password"`
}

// LoginResponse is the gateway's login acknowledgment payload.
type LoginResponse struct {
	TradingDay  string `json:"TradingDay"`
	LoginTime   string `json:"LoginTime"`
	BrokerID    string `json:"BrokerID"`
	UserID      string `json:"UserID"`
	SystemName  string `json:"SystemName,omitempty"`
	FrontID     int    `json:"FrontID,omitempty"`
	SessionID   int    `json:"SessionID,omitempty"`
	MaxOrderRef string `json:"MaxOrderRef,omitempty"`
}

// SpecificInstrument echoes the instrument of a (un)subscription ack.
type SpecificInstrument struct {
	InstrumentID string `json:"InstrumentID"`
}

// DepthMarketData is the level-1 market push payload.
type DepthMarketData struct {
	TradingDay     string  `json:"TradingDay,omitempty"`
	InstrumentID   string  `json:"InstrumentID"`
	ExchangeID     string  `json:"ExchangeID,omitempty"`
	LastPrice      float64 `json:"LastPrice"`
	BidPrice1      float64 `json:"BidPrice1"`
	BidVolume1     int64   `json:"BidVolume1"`
	AskPrice1      float64 `json:"AskPrice1"`
	AskVolume1     int64   `json:"AskVolume1"`
	Volume         int64   `json:"Volume"`
	OpenInterest   float64 `json:"OpenInterest"`
	UpdateTime     string  `json:"UpdateTime"`
	UpdateMillisec int     `json:"UpdateMillisec"`
}

// QryInvestorPosition requests the open position rows for one instrument;
// an empty InstrumentID asks for all of them.
type QryInvestorPosition struct {
	BrokerID     string `json:"BrokerID,omitempty"`
	InvestorID   string `json:"InvestorID,omitempty"`
	InstrumentID string `json:"InstrumentID,omitempty"`
}

// InvestorPosition is one row of a position query response. Long and short
// sides arrive as separate rows tagged by PosiDirection.
type InvestorPosition struct {
	InstrumentID  string  `json:"InstrumentID"`
	ExchangeID    string  `json:"ExchangeID,omitempty"`
	PosiDirection string  `json:"PosiDirection"`
	Position      int     `json:"Position"`
	TodayPosition int     `json:"TodayPosition"`
	YdPosition    int     `json:"YdPosition"`
	OpenCost      float64 `json:"OpenCost"`
}

// QryInstrument requests static instrument data.
type QryInstrument struct {
	InstrumentID string `json:"InstrumentID"`
}

// Instrument is the static contract definition used for price and cost
// arithmetic.
type Instrument struct {
	InstrumentID   string  `json:"InstrumentID"`
	ExchangeID     string  `json:"ExchangeID"`
	ProductID      string  `json:"ProductID,omitempty"`
	VolumeMultiple int     `json:"VolumeMultiple"`
	PriceTick      float64 `json:"PriceTick"`
}

// InputOrder is the order insert payload. The fixed fields pin the order to
// a plain limit order, good for day, no volume condition.
type InputOrder struct {
	InstrumentID        string  `json:"InstrumentID"`
	ExchangeID          string  `json:"ExchangeID,omitempty"`
	OrderRef            string  `json:"OrderRef"`
	Direction           string  `json:"Direction"`
	CombOffsetFlag      string  `json:"CombOffsetFlag"`
	CombHedgeFlag       string  `json:"CombHedgeFlag"`
	LimitPrice          float64 `json:"LimitPrice"`
	VolumeTotalOriginal int     `json:"VolumeTotalOriginal"`
	OrderPriceType      string  `json:"OrderPriceType"`
	TimeCondition       string  `json:"TimeCondition"`
	VolumeCondition     string  `json:"VolumeCondition"`
	MinVolume           int     `json:"MinVolume"`
	ContingentCondition string  `json:"ContingentCondition"`
	ForceCloseReason    string  `json:"ForceCloseReason"`
	IsAutoSuspend       int     `json:"IsAutoSuspend"`
	UserForceClose      int     `json:"UserForceClose"`
}

// NewLimitOrder fills the fixed CTP fields around the variable ones.
func NewLimitOrder(instrumentID, orderRef, direction, offsetFlag string, price float64, volume int) *InputOrder {
	return &InputOrder{
		InstrumentID:        instrumentID,
		OrderRef:            orderRef,
		Direction:           direction,
		CombOffsetFlag:      offsetFlag,
		CombHedgeFlag:       "1",
		LimitPrice:          price,
		VolumeTotalOriginal: volume,
		OrderPriceType:      "2",
		TimeCondition:       "3",
		VolumeCondition:     "1",
		MinVolume:           1,
		ContingentCondition: "1",
		ForceCloseReason:    "0",
		IsAutoSuspend:       0,
		UserForceClose:      0,
	}
}

// Order is the order status payload of acknowledgment and status pushes.
type Order struct {
	InstrumentID        string  `json:"InstrumentID"`
	ExchangeID          string  `json:"ExchangeID,omitempty"`
	OrderRef            string  `json:"OrderRef"`
	OrderSysID          string  `json:"OrderSysID,omitempty"`
	Direction           string  `json:"Direction"`
	CombOffsetFlag      string  `json:"CombOffsetFlag"`
	LimitPrice          float64 `json:"LimitPrice"`
	VolumeTotalOriginal int     `json:"VolumeTotalOriginal"`
	VolumeTraded        int     `json:"VolumeTraded"`
	OrderStatus         string  `json:"OrderStatus"`
	StatusMsg           string  `json:"StatusMsg,omitempty"`
	InsertTime          string  `json:"InsertTime,omitempty"`
}

// Trade is one fill push.
type Trade struct {
	InstrumentID string  `json:"InstrumentID"`
	ExchangeID   string  `json:"ExchangeID,omitempty"`
	TradeID      string  `json:"TradeID"`
	OrderRef     string  `json:"OrderRef"`
	OrderSysID   string  `json:"OrderSysID,omitempty"`
	Direction    string  `json:"Direction"`
	OffsetFlag   string  `json:"OffsetFlag"`
	Price        float64 `json:"Price"`
	Volume       int     `json:"Volume"`
	TradeTime    string  `json:"TradeTime,omitempty"`
	TradingDay   string  `json:"TradingDay,omitempty"`
}

// NewLoginEnvelope builds the login request for either endpoint.
func NewLoginEnvelope(brokerID, userID, password string) *Envelope {
	return &Envelope{
		MsgType:      MsgReqUserLogin,
		ReqUserLogin: &LoginRequest{BrokerID: brokerID, UserID: userID, Password: password},
	}
}

// NewSubscribeEnvelope builds a market data subscription request.
func NewSubscribeEnvelope(instruments ...string) *Envelope {
	return &Envelope{MsgType: MsgSubscribeMarketData, InstrumentID: instruments}
}

// NewUnsubscribeEnvelope builds the matching unsubscription request.
func NewUnsubscribeEnvelope(instruments ...string) *Envelope {
	return &Envelope{MsgType: MsgUnSubscribeMarketData, InstrumentID: instruments}
}

// NewPositionQueryEnvelope builds a position query for one instrument.
func NewPositionQueryEnvelope(requestID int64, brokerID, investorID, instrumentID string) *Envelope {
	return &Envelope{
		MsgType:   MsgReqQryInvestorPosition,
		RequestID: requestID,
		QryInvestorPosition: &QryInvestorPosition{
			BrokerID:     brokerID,
			InvestorID:   investorID,
			InstrumentID: instrumentID,
		},
	}
}

// NewInstrumentQueryEnvelope builds a static instrument data query.
func NewInstrumentQueryEnvelope(requestID int64, instrumentID string) *Envelope {
	return &Envelope{
		MsgType:       MsgReqQryInstrument,
		RequestID:     requestID,
		QryInstrument: &QryInstrument{InstrumentID: instrumentID},
	}
}

// NewOrderInsertEnvelope wraps an order insert payload.
func NewOrderInsertEnvelope(requestID int64, input *InputOrder) *Envelope {
	return &Envelope{MsgType: MsgReqOrderInsert, RequestID: requestID, InputOrder: input}
}
