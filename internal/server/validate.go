package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var validate = validator.New()

// bindAndValidate binds the request body, applies struct defaults, and
// validates. A non-nil return has already written the 400 response.
func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		writeValidationError(c, err)
		return err
	}
	if err := defaults.Set(req); err != nil {
		writeValidationError(c, err)
		return err
	}
	if err := validate.StructCtx(c.Request().Context(), req); err != nil {
		writeValidationError(c, err)
		return err
	}
	return nil
}

func writeValidationError(c echo.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, fieldErrorMessage(e))
		}
		c.JSON(http.StatusBadRequest, ErrorBody{
			Code:    "ERR_VALIDATION",
			Message: strings.Join(msgs, "; "),
		})
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		c.JSON(http.StatusBadRequest, ErrorBody{
			Code:    "ERR_BAD_REQUEST",
			Message: fmt.Sprintf("%v", he.Message),
		})
		return
	}

	c.JSON(http.StatusBadRequest, ErrorBody{Code: "ERR_BAD_REQUEST", Message: err.Error()})
}

func fieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}
