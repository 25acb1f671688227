package nostd

import (
	"fmt"

	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	zhtranslations "github.com/go-playground/validator/v10/translations/zh"
)

// CustomValidator echo请求参数校验器
type CustomValidator struct {
	Validator *validator.Validate
	trans     ut.Translator
}

// TransInit 初始化中文翻译器
func (cv *CustomValidator) TransInit() error {
	zhLocale := zh.New()
	uni := ut.New(zhLocale, zhLocale)

	trans, ok := uni.GetTranslator("zh")
	if !ok {
		return fmt.Errorf("translator zh not found")
	}
	cv.trans = trans

	return zhtranslations.RegisterDefaultTranslations(cv.Validator, trans)
}

// Validate 执行校验，失败时返回翻译后的第一条错误
func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.Validator.Struct(i); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok || cv.trans == nil {
			return err
		}
		for _, e := range errs {
			return fmt.Errorf("%s", e.Translate(cv.trans))
		}
	}
	return nil
}
