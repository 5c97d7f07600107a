package telegram

import (
	"context"
	"errors"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

// termAuth bridges an AuthInput to gotd's authenticator interface.
type termAuth struct {
	input AuthInput
}

var _ auth.UserAuthenticator = termAuth{}

func (t termAuth) Phone(_ context.Context) (string, error) {
	return t.input.GetPhoneNumber()
}

func (t termAuth) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return t.input.GetCode()
}

func (t termAuth) Password(_ context.Context) (string, error) {
	return t.input.GetPassword()
}

func (t termAuth) AcceptTermsOfService(_ context.Context, _ tg.HelpTermsOfService) error {
	return nil
}

func (t termAuth) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("sign up is not supported, use an existing account")
}
