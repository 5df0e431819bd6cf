package login

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/bfotp/bfotp/internal/directory"
	"github.com/bfotp/bfotp/internal/otpcipher"
	"github.com/bfotp/bfotp/internal/pageparser"
	"github.com/bfotp/bfotp/internal/transport"
)

const (
	stepGameStart          = "game start"
	stepAccountData        = "account data"
	stepRecordServiceStart = "record service start"
	stepSecretCode         = "secret code"
	stepWebStartOTP        = "web start otp"
	logMessageOTPIssued    = "one-time password issued"
	logFieldAccountID      = "account_id"
)

// exchangeOTP walks the web-start handshake for one account. Every hop shares the
// controller's cookie jar; the portal ties the steps together through it.
func (controller *Controller) exchangeOTP(ctx context.Context, record directory.AccountRecord, webToken string) (string, error) {
	game := controller.game

	startResponse, err := controller.execute(ctx, stepGameStart, transport.Request{
		URL: controller.endpoints.portal(gameStartStepTwoPath),
		Query: url.Values{
			"service_code":   {game.ServiceCode},
			"service_region": {game.ServiceRegion},
			"sotp":           {record.SerialNumber},
			"dt":             {gameStartTimestamp(controller.clock())},
		},
	})
	if err != nil {
		return "", err
	}
	startPage := startResponse.Text()

	accountLiteral, err := pageparser.ExtractAccountDataLiteral(startPage)
	if err != nil {
		return "", protocolError(stepAccountData, err)
	}
	accountData, err := pageparser.CoerceJSLiteral(accountLiteral)
	if err != nil {
		return "", protocolError(stepAccountData, err)
	}
	createTime, err := pageparser.AccountCreateTime(accountData)
	if err != nil {
		return "", protocolError(stepAccountData, err)
	}
	pollingKey, err := pageparser.ExtractLongPollingKey(startPage)
	if err != nil {
		return "", protocolError(stepGameStart, err)
	}

	if _, err := controller.execute(ctx, stepRecordServiceStart, transport.Request{
		Method: http.MethodPost,
		URL:    controller.endpoints.portal(recordServiceStartPath),
		Form: url.Values{
			"service_code":                 {game.ServiceCode},
			"service_region":               {game.ServiceRegion},
			"service_account_id":           {record.AccountID},
			"sotp":                         {record.SerialNumber},
			"service_account_display_name": {record.DisplayName},
			"service_account_create_time":  {createTime},
		},
	}); err != nil {
		return "", err
	}

	secretResponse, err := controller.execute(ctx, stepSecretCode, transport.Request{
		URL: controller.endpoints.login(secretCodePath),
	})
	if err != nil {
		return "", err
	}
	secretCode, err := pageparser.ExtractSecretCode(secretResponse.Text())
	if err != nil {
		return "", protocolError(stepSecretCode, err)
	}

	otpResponse, err := controller.execute(ctx, stepWebStartOTP, transport.Request{
		URL: controller.endpoints.portal(webStartOTPPath),
		Query: url.Values{
			"sn":             {pollingKey},
			"WebToken":       {webToken},
			"SecretCode":     {secretCode},
			"ppppp":          {webStartOTPConstant},
			"ServiceCode":    {game.ServiceCode},
			"ServiceRegion":  {game.ServiceRegion},
			"ServiceAccount": {record.AccountID},
			"CreateTime":     {createTime},
			"d":              {strconv.FormatInt(controller.clock().UnixMilli(), 10)},
		},
	})
	if err != nil {
		return "", err
	}

	password, err := otpcipher.Decrypt(strings.TrimSpace(otpResponse.Text()))
	if err != nil {
		return "", err
	}
	controller.logger.Info(logMessageOTPIssued, zap.String(logFieldAccountID, record.AccountID))
	return password, nil
}
